// Package chat runs one assistant turn over a merchant's catalog. The model
// may call search_products; results are embedded, searched within the
// merchant's catalog, summarized back to the model, and returned as product
// cards alongside the final reply.
package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/dennj/agnomerchant/engine/catalog"
	"github.com/dennj/agnomerchant/engine/domain"
	"github.com/dennj/agnomerchant/pkg/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Model is a chat-completion backend.
type Model interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// Embedder maps a search query to a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher runs owner-scoped similarity search.
type Searcher interface {
	Search(ctx context.Context, ownerID string, vector []float32, limit int) ([]catalog.SearchResult, error)
}

// Lister lists an owner's products for the catalog summary.
type Lister interface {
	List(ctx context.Context, ownerID string, limit int) ([]domain.Product, error)
}

// PromptSource supplies a merchant's custom system prompt.
type PromptSource interface {
	Prompt(ctx context.Context, accountID string) (string, error)
}

// Options configures a turn.
type Options struct {
	SystemPrompt     string
	MaxTokens        int
	ModelTimeout     time.Duration // first model call only
	ResultLimit      int           // products returned per search
	DescriptionLimit int           // runes of description in the tool summary
	CatalogSummary   bool          // list product names in the system prompt
	SummaryLimit     int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		SystemPrompt:     defaultSystemPrompt,
		MaxTokens:        500,
		ModelTimeout:     30 * time.Second,
		ResultLimit:      4,
		DescriptionLimit: 100,
		CatalogSummary:   false,
		SummaryLimit:     20,
	}
}

const defaultSystemPrompt = `You are a helpful shopping assistant for this store.
Help customers find products and answer their questions. When the customer is
looking for something, call search_products with a short query. When products
are found, describe them briefly and mention that product cards are shown below.
Keep responses concise and friendly.`

// Service is the chat orchestrator. Optional collaborators may be nil.
type Service struct {
	model   Model
	embed   Embedder
	search  Searcher
	catalog Lister
	prompts PromptSource
	opts    Options
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New creates a chat Service. catalog and prompts may be nil.
func New(model Model, embed Embedder, search Searcher, catalog Lister, prompts PromptSource, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		model:   model,
		embed:   embed,
		search:  search,
		catalog: catalog,
		prompts: prompts,
		opts:    opts,
		logger:  logger,
		tracer:  otel.Tracer("engine/chat"),
	}
}

// Request is one conversational turn: the full transcript so far and the
// merchant whose catalog the assistant may search.
type Request struct {
	OwnerID  string           `json:"accountId"`
	Messages []domain.Message `json:"messages"`
}

// Reply is the outcome of a turn. Products is nil when no search ran and
// non-nil (possibly empty) when one did.
type Reply struct {
	Text       string                 `json:"reply"`
	Products   []catalog.SearchResult `json:"products"`
	Model      string                 `json:"model,omitempty"`
	TokensUsed int                    `json:"tokens_used,omitempty"`
}
