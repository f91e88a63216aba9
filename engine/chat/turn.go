package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dennj/agnomerchant/engine/catalog"
	"github.com/dennj/agnomerchant/engine/domain"
	"github.com/dennj/agnomerchant/pkg/llm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const searchToolName = "search_products"

var searchTool = llm.Tool{
	Name:        searchToolName,
	Description: "Search the store's product catalog by meaning. Returns the closest matching products.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": `What the customer is looking for, e.g. "lightweight running shoes".`,
			},
		},
		"required": []string{"query"},
	},
}

// phase is a step of a single turn.
type phase int

const (
	phaseAssemble phase = iota
	phaseAwaitingModel
	phaseToolInvoked
	phaseAwaitingFinalModel
	phaseDone
)

func (p phase) String() string {
	switch p {
	case phaseAssemble:
		return "assemble"
	case phaseAwaitingModel:
		return "awaiting_model"
	case phaseToolInvoked:
		return "tool_invoked"
	case phaseAwaitingFinalModel:
		return "awaiting_final_model"
	case phaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// turn carries the state of one request through its phases.
type turn struct {
	state    phase
	ownerID  string
	history  []domain.Message
	req      llm.ChatRequest
	first    *llm.ChatResponse
	products []catalog.SearchResult
	tokens   int
	reply    *Reply
}

// Turn produces the assistant reply for one conversational turn. The
// transcript is validated before any external call is made.
func (s *Service) Turn(ctx context.Context, req Request) (*Reply, error) {
	if err := domain.ValidateMessages(req.Messages); err != nil {
		return nil, err
	}
	if req.OwnerID == "" {
		return nil, domain.ErrMissingOwner
	}

	t := &turn{state: phaseAssemble, ownerID: req.OwnerID, history: req.Messages}
	for t.state != phaseDone {
		current := t.state
		pctx, span := s.tracer.Start(ctx, "chat."+current.String())
		span.SetAttributes(attribute.String("owner", t.ownerID))

		var err error
		switch current {
		case phaseAssemble:
			err = s.assemble(pctx, t)
		case phaseAwaitingModel:
			err = s.awaitModel(pctx, t)
		case phaseToolInvoked:
			err = s.runTools(pctx, t)
		case phaseAwaitingFinalModel:
			err = s.awaitFinalModel(pctx, t)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			s.logger.Warn("chat: turn failed", "phase", current.String(), "owner", t.ownerID, "err", err)
			return nil, err
		}
		span.End()
	}

	s.logger.Info("chat: turn done", "owner", t.ownerID, "tool_used", t.reply.Products != nil, "products", len(t.reply.Products))
	return t.reply, nil
}

// assemble builds the system instruction and declares the search tool.
func (s *Service) assemble(ctx context.Context, t *turn) error {
	var b strings.Builder
	b.WriteString(s.systemPrompt(ctx, t.ownerID))
	if s.opts.CatalogSummary {
		if summary := s.catalogSummary(ctx, t.ownerID); summary != "" {
			b.WriteString("\n\n")
			b.WriteString(summary)
		}
	}

	msgs := make([]llm.Message, len(t.history))
	for i, m := range t.history {
		msgs[i] = llm.Message{Role: string(m.Role), Content: m.Content}
	}
	t.req = llm.ChatRequest{
		System:    b.String(),
		Messages:  msgs,
		Tools:     []llm.Tool{searchTool},
		MaxTokens: s.opts.MaxTokens,
	}
	t.state = phaseAwaitingModel
	return nil
}

// awaitModel runs the first model call under ModelTimeout.
func (s *Service) awaitModel(ctx context.Context, t *turn) error {
	cctx, cancel := ctx, context.CancelFunc(func() {})
	if s.opts.ModelTimeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, s.opts.ModelTimeout)
	}
	defer cancel()

	resp, err := s.model.Chat(cctx, t.req)
	if err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("chat: model call exceeded %s: %w", s.opts.ModelTimeout, domain.ErrTimeout)
		}
		return domain.Dependency("chat: model call", err)
	}
	t.tokens += resp.TokensUsed

	if len(resp.ToolCalls) > 0 {
		t.first = resp
		t.state = phaseToolInvoked
		return nil
	}
	if strings.TrimSpace(resp.Content) == "" {
		return domain.ErrNoResponse
	}
	t.reply = &Reply{Text: resp.Content, Model: resp.Model, TokensUsed: t.tokens}
	t.state = phaseDone
	return nil
}

// runTools executes the requested tool calls and appends their results to
// the conversation.
func (s *Service) runTools(ctx context.Context, t *turn) error {
	t.req.Messages = append(t.req.Messages, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   t.first.Content,
		ToolCalls: t.first.ToolCalls,
	})

	t.products = []catalog.SearchResult{}
	seen := make(map[string]bool)
	for _, call := range t.first.ToolCalls {
		var content string
		switch call.Name {
		case searchToolName:
			query := parseQuery(call.Arguments)
			if query == "" {
				query = domain.LastUserMessage(t.history)
			}
			results, err := s.searchProducts(ctx, t.ownerID, query)
			if err != nil {
				return err
			}
			for _, r := range results {
				if !seen[r.ID] {
					seen[r.ID] = true
					t.products = append(t.products, r)
				}
			}
			content = formatResults(results, s.opts.DescriptionLimit)
			s.logger.Info("chat: search_products", "owner", t.ownerID, "query", query, "results", len(results))
		default:
			content = fmt.Sprintf("Unknown tool %q.", call.Name)
		}
		t.req.Messages = append(t.req.Messages, llm.Message{
			Role:       llm.RoleTool,
			Content:    content,
			ToolCallID: call.ID,
		})
	}

	// The follow-up call must answer in text.
	t.req.Tools = nil
	t.state = phaseAwaitingFinalModel
	return nil
}

// awaitFinalModel turns the tool results into the final reply.
func (s *Service) awaitFinalModel(ctx context.Context, t *turn) error {
	resp, err := s.model.Chat(ctx, t.req)
	if err != nil {
		return domain.Dependency("chat: final model call", err)
	}
	t.tokens += resp.TokensUsed
	if strings.TrimSpace(resp.Content) == "" {
		return domain.ErrNoResponse
	}
	t.reply = &Reply{
		Text:       resp.Content,
		Products:   t.products,
		Model:      resp.Model,
		TokensUsed: t.tokens,
	}
	t.state = phaseDone
	return nil
}

func (s *Service) searchProducts(ctx context.Context, ownerID, query string) ([]catalog.SearchResult, error) {
	vec, err := s.embed.Embed(ctx, query)
	if err != nil {
		return nil, domain.Dependency("chat: embed query", err)
	}
	results, err := s.search.Search(ctx, ownerID, vec, s.opts.ResultLimit)
	if err != nil {
		if errors.Is(err, domain.ErrDependency) {
			return nil, err
		}
		return nil, domain.Dependency("chat: search", err)
	}
	if len(results) > s.opts.ResultLimit && s.opts.ResultLimit > 0 {
		results = results[:s.opts.ResultLimit]
	}
	return results, nil
}

// systemPrompt returns the merchant's prompt, falling back to the default
// when none is set or it can't be read.
func (s *Service) systemPrompt(ctx context.Context, ownerID string) string {
	if s.prompts == nil {
		return s.opts.SystemPrompt
	}
	p, err := s.prompts.Prompt(ctx, ownerID)
	if err != nil {
		s.logger.Warn("chat: account prompt unavailable, using default", "owner", ownerID, "err", err)
		return s.opts.SystemPrompt
	}
	if strings.TrimSpace(p) == "" {
		return s.opts.SystemPrompt
	}
	return p + "\n\nWhen the customer is looking for something, call search_products with a short query."
}

// catalogSummary lists product names. Failures degrade to no summary.
func (s *Service) catalogSummary(ctx context.Context, ownerID string) string {
	if s.catalog == nil {
		return ""
	}
	products, err := s.catalog.List(ctx, ownerID, s.opts.SummaryLimit)
	if err != nil {
		s.logger.Warn("chat: catalog summary unavailable", "owner", ownerID, "err", err)
		return ""
	}
	if len(products) == 0 {
		return ""
	}
	names := make([]string, 0, len(products))
	for _, p := range products {
		if p.Name != "" {
			names = append(names, p.Name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	return "Products in this store include: " + strings.Join(names, ", ") + "."
}

func parseQuery(args string) string {
	var in struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(args), &in); err != nil {
		return ""
	}
	return strings.TrimSpace(in.Query)
}

// formatResults renders search hits as the compact tool result the model sees.
func formatResults(results []catalog.SearchResult, descLimit int) string {
	if len(results) == 0 {
		return "No matching products were found in the catalog."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d products:\n", len(results))
	for i, r := range results {
		desc := r.ShortDescription
		if desc == "" {
			desc = r.Description
		}
		fmt.Fprintf(&b, "%d. %s - %s - %s\n", i+1, r.Name, domain.FormatPrice(r.Price), truncate(desc, descLimit))
	}
	return b.String()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
