// Package llm wraps the OpenAI API for chat completions with tool calling and
// for fixed-size text embeddings.
package llm

import (
	"context"
	"errors"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dennj/agnomerchant/pkg/resilience"
)

const (
	DefaultChatModel  = "gpt-4o-mini"
	DefaultEmbedModel = string(openai.SmallEmbedding3)
	DefaultDimensions = 384
)

// Config configures a Client. Zero values fall back to the defaults above.
type Config struct {
	APIKey     string
	BaseURL    string // e.g. "https://api.openai.com/v1"
	ChatModel  string
	EmbedModel string
	Dimensions int
	HTTPClient *http.Client
	// OnBreakerChange observes the circuit breaker that guards every
	// upstream call.
	OnBreakerChange func(from, to resilience.State)
}

type completionAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// Client talks to an OpenAI-compatible API. It is safe for concurrent use.
type Client struct {
	api        completionAPI
	chatModel  string
	embedModel openai.EmbeddingModel
	dims       int
	breaker    *resilience.Breaker
}

// New builds a Client. Outbound requests are traced through otelhttp and use
// the transport's default timeouts.
func New(cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	oc.HTTPClient = hc

	breaker := resilience.NewBreaker(resilience.BreakerOpts{
		IsFailure:     upstreamFailure,
		OnStateChange: cfg.OnBreakerChange,
	})
	c := &Client{
		api:        openai.NewClientWithConfig(oc),
		chatModel:  cfg.ChatModel,
		embedModel: openai.EmbeddingModel(cfg.EmbedModel),
		dims:       cfg.Dimensions,
		breaker:    breaker,
	}
	if c.chatModel == "" {
		c.chatModel = DefaultChatModel
	}
	if c.embedModel == "" {
		c.embedModel = openai.SmallEmbedding3
	}
	if c.dims <= 0 {
		c.dims = DefaultDimensions
	}
	return c
}

// upstreamFailure reports whether err indicates the API itself is unhealthy.
// Rejected requests (4xx other than 429) and caller cancellation do not count.
func upstreamFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode >= 500 || apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode >= 500 || reqErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	return true
}

// Dimensions returns the embedding length this client produces.
func (c *Client) Dimensions() int { return c.dims }
