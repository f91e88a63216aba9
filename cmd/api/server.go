package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/dennj/agnomerchant/engine/account"
	"github.com/dennj/agnomerchant/engine/catalog"
	"github.com/dennj/agnomerchant/engine/chat"
	"github.com/dennj/agnomerchant/engine/domain"
	"github.com/dennj/agnomerchant/pkg/agno"
	"github.com/dennj/agnomerchant/pkg/auth"
	"github.com/dennj/agnomerchant/pkg/metrics"
	"github.com/dennj/agnomerchant/pkg/mid"
)

type catalogService interface {
	Save(ctx context.Context, ownerID string, in domain.ProductInput) (catalog.SaveResult, error)
	Update(ctx context.Context, ownerID, productID string, in domain.ProductInput) (catalog.SaveResult, error)
	Delete(ctx context.Context, ownerID, productID string) error
	List(ctx context.Context, ownerID string, limit int) (catalog.Listing, error)
}

type chatService interface {
	Turn(ctx context.Context, req chat.Request) (*chat.Reply, error)
}

type accountStore interface {
	AccountIDForUser(ctx context.Context, userID string) (string, error)
	RequireMember(ctx context.Context, userID, accountID string) error
	Get(ctx context.Context, accountID string) (account.Account, error)
	Prompt(ctx context.Context, accountID string) (string, error)
	SetPrompt(ctx context.Context, accountID, prompt string) error
	Settings(ctx context.Context, accountID string) (account.Settings, error)
	AddMemberByEmail(ctx context.Context, accountID, email string) (string, error)
	RemoveMember(ctx context.Context, accountID, userID string) error
}

type orderCreator interface {
	CreateOrder(ctx context.Context, req agno.CreateOrderRequest) (*agno.Order, error)
}

// server holds the handlers' dependencies. A nil accounts or orders disables
// the routes that need it with 503.
type server struct {
	catalog    catalogService
	chat       chatService
	accounts   accountStore
	orders     orderCreator
	auth       *auth.Verifier
	walletURL  string
	trustProxy bool // key the chat limiter by X-Forwarded-For
	metrics    *metrics.Registry
	logger     *slog.Logger
}

func (s *server) routes(chatRate float64) *http.ServeMux {
	authed := func(h http.HandlerFunc) http.Handler {
		return s.auth.Require(writeError)(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	chatLimit := mid.RateLimit(mid.RateLimitOpts{PerSecond: chatRate, Burst: 5, TrustProxy: s.trustProxy})
	mux.Handle("POST /api/chat", chatLimit(http.HandlerFunc(s.handleChat)))
	mux.HandleFunc("POST /api/orders", s.handleCreateOrder)
	mux.HandleFunc("GET /api/account/{accountId}/settings", s.handleGetSettings)
	mux.HandleFunc("GET /api/account/{accountId}/prompt", s.handleGetPrompt)

	mux.Handle("GET /api/products", authed(s.handleListProducts))
	mux.Handle("POST /api/products", authed(s.handleSaveProduct))
	mux.Handle("PUT /api/products/{id}", authed(s.handleUpdateProduct))
	mux.Handle("DELETE /api/products", authed(s.handleDeleteProduct))

	mux.Handle("GET /api/account", authed(s.handleGetAccount))
	mux.Handle("PUT /api/account/{accountId}/prompt", authed(s.handleSetPrompt))
	mux.Handle("POST /api/account/{accountId}/users", authed(s.handleAddUser))
	mux.Handle("DELETE /api/account/{accountId}/users", authed(s.handleRemoveUser))
	return mux
}

// --- Responses ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps the domain error classes onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// fail logs server-side failures and writes the mapped status with a
// message safe to show to the caller.
func (s *server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error(op+" failed", "err", err, "request_id", mid.RequestIDFrom(r.Context()))
	}
	writeError(w, status, publicMessage(op, err))
}

// publicMessage describes err by class. Wrapped causes stay in the logs.
func publicMessage(op string, err error) string {
	var ve *domain.ValidationError
	switch {
	case errors.Is(err, domain.ErrTimeout):
		return "Request timed out"
	case errors.Is(err, domain.ErrNoResponse):
		return "No response from AI"
	case errors.As(err, &ve):
		return validationMessage(ve)
	case errors.Is(err, domain.ErrValidation):
		return "Invalid request"
	case errors.Is(err, domain.ErrUnauthorized):
		return "Unauthorized"
	case errors.Is(err, domain.ErrForbidden):
		return "Forbidden"
	case errors.Is(err, domain.ErrNotFound):
		return "Not found"
	default:
		return "Failed to " + op
	}
}

func validationMessage(ve *domain.ValidationError) string {
	switch {
	case ve.Field == "body":
		return "Invalid request body"
	case errors.Is(ve.Wrapped, domain.ErrNoMessages), errors.Is(ve.Wrapped, domain.ErrInvalidRole):
		return "Invalid messages format"
	case errors.Is(ve.Wrapped, domain.ErrRequired):
		return ve.Field + " is required"
	case errors.Is(ve.Wrapped, domain.ErrNonPositivePrice):
		return "Price must be greater than 0"
	case errors.Is(ve.Wrapped, domain.ErrInvalidID):
		return "Invalid product ID"
	default:
		return "Invalid " + ve.Field
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return domain.NewValidationError("body", "", err)
	}
	return nil
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Catalog ---

// ownerFor resolves the signed-in user's account id, the catalog tenant key.
func (s *server) ownerFor(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.accounts == nil {
		writeError(w, http.StatusServiceUnavailable, "Account store not configured")
		return "", false
	}
	u, _ := auth.UserFrom(r.Context())
	id, err := s.accounts.AccountIDForUser(r.Context(), u.ID)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusForbidden, "User not associated with any account")
		return "", false
	}
	if err != nil {
		s.fail(w, r, "resolve account", err)
		return "", false
	}
	return id, true
}

func (s *server) handleListProducts(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.ownerFor(w, r)
	if !ok {
		return
	}
	limit := catalog.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	listing, err := s.catalog.List(r.Context(), owner, limit)
	if err != nil {
		s.fail(w, r, "list products", err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Success bool `json:"success"`
		catalog.Listing
	}{true, listing})
}

func (s *server) handleSaveProduct(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.ownerFor(w, r)
	if !ok {
		return
	}
	var in domain.ProductInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, "add product", err)
		return
	}
	res, err := s.catalog.Save(context.WithoutCancel(r.Context()), owner, in)
	if err != nil {
		s.fail(w, r, "add product", err)
		return
	}
	if res.Updated {
		s.countWrite("update")
	} else {
		s.countWrite("create")
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": res.ID, "updated": res.Updated})
}

func (s *server) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.ownerFor(w, r)
	if !ok {
		return
	}
	var in domain.ProductInput
	if err := decode(w, r, &in); err != nil {
		s.fail(w, r, "update product", err)
		return
	}
	res, err := s.catalog.Update(context.WithoutCancel(r.Context()), owner, r.PathValue("id"), in)
	if err != nil {
		s.fail(w, r, "update product", err)
		return
	}
	s.countWrite("update")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": res.ID, "updated": res.Updated})
}

func (s *server) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.ownerFor(w, r)
	if !ok {
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Product ID is required")
		return
	}
	if err := s.catalog.Delete(context.WithoutCancel(r.Context()), owner, id); err != nil {
		s.fail(w, r, "delete product", err)
		return
	}
	s.countWrite("delete")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

func (s *server) countWrite(op string) {
	s.metrics.Counter("agnomerchant_catalog_writes_total", "Successful catalog writes by operation.", "op", op).Inc()
}

// --- Chat ---

func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chat.Request
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, "process chat", err)
		return
	}
	if err := domain.ValidateMessages(req.Messages); err != nil {
		s.fail(w, r, "process chat", err)
		return
	}
	if req.OwnerID == "" {
		writeError(w, http.StatusBadRequest, "accountId is required")
		return
	}
	if s.accounts != nil {
		if _, err := s.accounts.Get(r.Context(), req.OwnerID); err != nil {
			s.fail(w, r, "process chat", err)
			return
		}
	}

	reply, err := s.chat.Turn(context.WithoutCancel(r.Context()), req)
	if err != nil {
		s.countTurn("error")
		s.fail(w, r, "process chat", err)
		return
	}
	if reply.Products != nil {
		s.countTurn("search")
	} else {
		s.countTurn("direct")
	}
	products := reply.Products
	if products == nil {
		products = []catalog.SearchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reply": reply.Text, "products": products})
}

func (s *server) countTurn(outcome string) {
	s.metrics.Counter("agnomerchant_chat_turns_total", "Chat turns by outcome.", "outcome", outcome).Inc()
}

// --- Accounts ---

func (s *server) requireAccounts(w http.ResponseWriter) bool {
	if s.accounts == nil {
		writeError(w, http.StatusServiceUnavailable, "Account store not configured")
		return false
	}
	return true
}

// member checks the signed-in user belongs to the path's account.
func (s *server) member(w http.ResponseWriter, r *http.Request) (string, bool) {
	if !s.requireAccounts(w) {
		return "", false
	}
	accountID := r.PathValue("accountId")
	u, _ := auth.UserFrom(r.Context())
	if err := s.accounts.RequireMember(r.Context(), u.ID, accountID); err != nil {
		s.fail(w, r, "check membership", err)
		return "", false
	}
	return accountID, true
}

func (s *server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := s.ownerFor(w, r)
	if !ok {
		return
	}
	u, _ := auth.UserFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"accountId": accountID, "userId": u.ID})
}

func (s *server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	if !s.requireAccounts(w) {
		return
	}
	prompt, err := s.accounts.Prompt(r.Context(), r.PathValue("accountId"))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.fail(w, r, "fetch prompt", err)
		return
	}
	var p *string
	if prompt != "" {
		p = &prompt
	}
	writeJSON(w, http.StatusOK, map[string]any{"ai_prompt": p})
}

func (s *server) handleSetPrompt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt *string `json:"ai_prompt"`
	}
	if err := decode(w, r, &body); err != nil || body.Prompt == nil {
		writeError(w, http.StatusBadRequest, "ai_prompt must be a string")
		return
	}
	accountID, ok := s.member(w, r)
	if !ok {
		return
	}
	if err := s.accounts.SetPrompt(r.Context(), accountID, *body.Prompt); err != nil {
		s.fail(w, r, "update prompt", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "ai_prompt": *body.Prompt})
}

func (s *server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if !s.requireAccounts(w) {
		return
	}
	settings, err := s.accounts.Settings(r.Context(), r.PathValue("accountId"))
	if err != nil {
		s.fail(w, r, "fetch settings", err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *server) handleAddUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email string `json:"email"`
	}
	if err := decode(w, r, &body); err != nil || strings.TrimSpace(body.Email) == "" {
		writeError(w, http.StatusBadRequest, "Email is required")
		return
	}
	accountID, ok := s.member(w, r)
	if !ok {
		return
	}
	if _, err := s.accounts.AddMemberByEmail(r.Context(), accountID, body.Email); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		s.fail(w, r, "add user", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "email": body.Email})
}

func (s *server) handleRemoveUser(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "User ID is required")
		return
	}
	accountID, ok := s.member(w, r)
	if !ok {
		return
	}
	if err := s.accounts.RemoveMember(r.Context(), accountID, userID); err != nil {
		s.fail(w, r, "remove user", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// --- Orders ---

type orderError struct {
	Message string          `json:"message"`
	Code    string          `json:"code,omitempty"`
	Details json.RawMessage `json:"details,omitempty"`
}

func writeOrderError(w http.ResponseWriter, status int, e orderError) {
	writeJSON(w, status, map[string]orderError{"error": e})
}

func (s *server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	if s.orders == nil {
		writeOrderError(w, http.StatusServiceUnavailable, orderError{Message: "Payment API not configured", Code: "NOT_CONFIGURED"})
		return
	}
	var req agno.CreateOrderRequest
	if err := decode(w, r, &req); err != nil {
		writeOrderError(w, http.StatusBadRequest, orderError{Message: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	if len(req.LineItems) == 0 {
		writeOrderError(w, http.StatusBadRequest, orderError{Message: agno.ErrNoLineItems.Error(), Code: "INVALID_REQUEST"})
		return
	}

	order, err := s.orders.CreateOrder(context.WithoutCancel(r.Context()), req)
	if err != nil {
		var apiErr *agno.APIError
		if errors.As(err, &apiErr) {
			writeOrderError(w, apiErr.StatusCode, orderError{Message: apiErr.Message, Code: apiErr.Code, Details: apiErr.Details})
			return
		}
		s.logger.Error("create order failed", "err", err)
		writeOrderError(w, http.StatusInternalServerError, orderError{Message: "Internal server error", Code: "INTERNAL_ERROR"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":           order.ID,
		"status":       order.Status,
		"checkout_url": agno.CheckoutURL(s.walletURL, order.ID, agno.Style{}),
	})
}
