package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dennj/agnomerchant/engine/account"
	"github.com/dennj/agnomerchant/engine/catalog"
	"github.com/dennj/agnomerchant/engine/chat"
	"github.com/dennj/agnomerchant/engine/domain"
	"github.com/dennj/agnomerchant/pkg/agno"
	"github.com/dennj/agnomerchant/pkg/auth"
	"github.com/dennj/agnomerchant/pkg/metrics"
)

const testSecret = "test-secret"

// --- fakes ---

type fakeCatalog struct {
	saved   []domain.ProductInput
	owner   string
	delErr  error
	saveErr error
}

func (f *fakeCatalog) Save(_ context.Context, owner string, in domain.ProductInput) (catalog.SaveResult, error) {
	if f.saveErr != nil {
		return catalog.SaveResult{}, f.saveErr
	}
	if err := domain.ValidateProductInput(in.Normalize()); err != nil {
		return catalog.SaveResult{}, err
	}
	f.owner = owner
	f.saved = append(f.saved, in)
	return catalog.SaveResult{ID: "1700000000000"}, nil
}

func (f *fakeCatalog) Update(_ context.Context, owner, id string, in domain.ProductInput) (catalog.SaveResult, error) {
	if id == "missing" {
		return catalog.SaveResult{}, fmt.Errorf("catalog: product %s: %w", id, domain.ErrNotFound)
	}
	return catalog.SaveResult{ID: id, Updated: true}, nil
}

func (f *fakeCatalog) Delete(_ context.Context, owner, id string) error { return f.delErr }

func (f *fakeCatalog) List(_ context.Context, owner string, limit int) (catalog.Listing, error) {
	return catalog.Listing{
		Products:   []domain.Product{{ID: "1", MerchantID: owner, Name: "Running Shoe", Price: 29900}},
		Collection: catalog.CollectionInfo{Name: "agnopay", PointsCount: 1, VectorSize: 384},
	}, nil
}

type fakeChat struct {
	reply *chat.Reply
	err   error
	got   chat.Request
}

func (f *fakeChat) Turn(_ context.Context, req chat.Request) (*chat.Reply, error) {
	f.got = req
	return f.reply, f.err
}

type fakeAccounts struct {
	members map[string]string // user -> account
	prompt  string
	gets    int
}

func (f *fakeAccounts) AccountIDForUser(_ context.Context, userID string) (string, error) {
	if id, ok := f.members[userID]; ok {
		return id, nil
	}
	return "", domain.ErrNotFound
}

func (f *fakeAccounts) RequireMember(_ context.Context, userID, accountID string) error {
	if f.members[userID] != accountID {
		return domain.ErrForbidden
	}
	return nil
}

func (f *fakeAccounts) Get(_ context.Context, accountID string) (account.Account, error) {
	f.gets++
	for _, a := range f.members {
		if a == accountID {
			return account.Account{ID: a, AIPrompt: f.prompt}, nil
		}
	}
	return account.Account{}, fmt.Errorf("account: get: %w", domain.ErrNotFound)
}

func (f *fakeAccounts) Prompt(ctx context.Context, accountID string) (string, error) {
	a, err := f.Get(ctx, accountID)
	return a.AIPrompt, err
}

func (f *fakeAccounts) SetPrompt(_ context.Context, accountID, prompt string) error {
	f.prompt = prompt
	return nil
}

func (f *fakeAccounts) Settings(ctx context.Context, accountID string) (account.Settings, error) {
	if _, err := f.Get(ctx, accountID); err != nil {
		return account.Settings{}, err
	}
	return account.Settings{IsFullscreen: true}, nil
}

func (f *fakeAccounts) AddMemberByEmail(_ context.Context, accountID, email string) (string, error) {
	if email != "new@example.com" {
		return "", domain.ErrNotFound
	}
	return "user-2", nil
}

func (f *fakeAccounts) RemoveMember(context.Context, string, string) error { return nil }

type fakeOrders struct {
	order *agno.Order
	err   error
}

func (f *fakeOrders) CreateOrder(context.Context, agno.CreateOrderRequest) (*agno.Order, error) {
	return f.order, f.err
}

// --- helpers ---

func newTestServer() (*server, *fakeCatalog, *fakeChat, *fakeAccounts) {
	cat := &fakeCatalog{}
	ch := &fakeChat{reply: &chat.Reply{Text: "Hello!"}}
	acc := &fakeAccounts{members: map[string]string{"user-1": "acct-1"}}
	return &server{
		catalog:   cat,
		chat:      ch,
		accounts:  acc,
		auth:      auth.NewVerifier(testSecret),
		walletURL: "https://wallet.example.com",
		metrics:   metrics.New(),
		logger:    slog.New(slog.DiscardHandler),
	}, cat, ch, acc
}

func token(t *testing.T, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"aud": auth.Audience,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func do(t *testing.T, h http.Handler, method, path, body, bearer string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return m
}

// --- tests ---

func TestHealth(t *testing.T) {
	srv, _, _, _ := newTestServer()
	rec := do(t, srv.routes(0), "GET", "/api/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if decodeBody(t, rec)["status"] != "ok" {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.NewValidationError("name", "", domain.ErrRequired), 400},
		{domain.ErrMissingOwner, 401},
		{domain.ErrForbidden, 403},
		{fmt.Errorf("x: %w", domain.ErrNotFound), 404},
		{domain.ErrTimeout, 504},
		{domain.ErrNoResponse, 500},
		{domain.Dependency("qdrant: search", errors.New("down")), 500},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestChatReturnsEmptyProductsForDirectReply(t *testing.T) {
	srv, _, ch, _ := newTestServer()
	body := `{"accountId":"acct-1","messages":[{"role":"user","content":"hi"}]}`
	rec := do(t, srv.routes(0), "POST", "/api/chat", body, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	m := decodeBody(t, rec)
	if m["reply"] != "Hello!" {
		t.Fatalf("unexpected reply %v", m["reply"])
	}
	if p, ok := m["products"].([]any); !ok || len(p) != 0 {
		t.Fatalf("expected empty products array, got %v", m["products"])
	}
	if ch.got.OwnerID != "acct-1" || len(ch.got.Messages) != 1 {
		t.Fatalf("unexpected request passed to chat: %+v", ch.got)
	}
}

func TestChatRequiresAccountID(t *testing.T) {
	srv, _, _, _ := newTestServer()
	rec := do(t, srv.routes(0), "POST", "/api/chat", `{"messages":[{"role":"user","content":"hi"}]}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestChatUnknownAccount(t *testing.T) {
	srv, _, _, _ := newTestServer()
	rec := do(t, srv.routes(0), "POST", "/api/chat", `{"accountId":"nope","messages":[{"role":"user","content":"hi"}]}`, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestChatErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
		msg  string
	}{
		{domain.ErrTimeout, http.StatusGatewayTimeout, "Request timed out"},
		{domain.ErrNoResponse, http.StatusInternalServerError, "No response from AI"},
		{domain.NewValidationError("messages", "", domain.ErrNoMessages), http.StatusBadRequest, ""},
	}
	for _, tc := range cases {
		srv, _, ch, _ := newTestServer()
		ch.reply, ch.err = nil, tc.err
		rec := do(t, srv.routes(0), "POST", "/api/chat", `{"accountId":"acct-1","messages":[{"role":"user","content":"hi"}]}`, "")
		if rec.Code != tc.code {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.code, rec.Code)
			continue
		}
		if tc.msg != "" && decodeBody(t, rec)["error"] != tc.msg {
			t.Errorf("%v: unexpected body %s", tc.err, rec.Body.String())
		}
	}
}

func TestChatRejectsEmptyTranscriptBeforeLookups(t *testing.T) {
	srv, _, ch, acc := newTestServer()
	rec := do(t, srv.routes(0), "POST", "/api/chat", `{"accountId":"nope","messages":[]}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	if msg := decodeBody(t, rec)["error"]; msg != "Invalid messages format" {
		t.Fatalf("unexpected message %v", msg)
	}
	if acc.gets != 0 {
		t.Fatalf("expected no account lookup, got %d", acc.gets)
	}
	if ch.got.OwnerID != "" {
		t.Fatalf("chat must not run, got %+v", ch.got)
	}
}

func TestPublicMessage(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{domain.NewValidationError("name", "", domain.ErrRequired), "name is required"},
		{domain.NewValidationError("price", "0", domain.ErrNonPositivePrice), "Price must be greater than 0"},
		{domain.NewValidationError("body", "", errors.New("unexpected EOF")), "Invalid request body"},
		{domain.NewValidationError("messages[0].role", "bot", domain.ErrInvalidRole), "Invalid messages format"},
		{domain.NewValidationError("id", "x", domain.ErrInvalidID), "Invalid product ID"},
		{fmt.Errorf("account: get: %w", domain.ErrNotFound), "Not found"},
		{domain.ErrMissingOwner, "Unauthorized"},
		{fmt.Errorf("account acct-1: %w", domain.ErrForbidden), "Forbidden"},
		{domain.ErrTimeout, "Request timed out"},
		{domain.Dependency("qdrant: scroll", errors.New("connection refused")), "Failed to list products"},
	}
	for _, tc := range cases {
		if got := publicMessage("list products", tc.err); got != tc.want {
			t.Errorf("publicMessage(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestChatAndCatalogCounters(t *testing.T) {
	srv, _, _, _ := newTestServer()
	h := srv.routes(0)
	do(t, h, "POST", "/api/chat", `{"accountId":"acct-1","messages":[{"role":"user","content":"hi"}]}`, "")
	do(t, h, "POST", "/api/products", `{"name":"Running Shoe","price":29900,"description":"Light trainer"}`, token(t, "user-1"))

	if v := srv.metrics.Counter("agnomerchant_chat_turns_total", "", "outcome", "direct").Value(); v != 1 {
		t.Fatalf("expected 1 direct turn, got %d", v)
	}
	if v := srv.metrics.Counter("agnomerchant_catalog_writes_total", "", "op", "create").Value(); v != 1 {
		t.Fatalf("expected 1 create, got %d", v)
	}
}

func TestProductsRequireAuth(t *testing.T) {
	srv, _, _, _ := newTestServer()
	rec := do(t, srv.routes(0), "GET", "/api/products", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	rec = do(t, srv.routes(0), "GET", "/api/products", "", "not-a-jwt")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rec.Code)
	}
}

func TestSaveProductUsesAccountAsOwner(t *testing.T) {
	srv, cat, _, _ := newTestServer()
	body := `{"name":"Running Shoe","price":29900,"description":"Light trainer","sku":"RS-1"}`
	rec := do(t, srv.routes(0), "POST", "/api/products", body, token(t, "user-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	m := decodeBody(t, rec)
	if m["success"] != true || m["id"] != "1700000000000" || m["updated"] != false {
		t.Fatalf("unexpected body %v", m)
	}
	if cat.owner != "acct-1" {
		t.Fatalf("expected owner acct-1, got %q", cat.owner)
	}
}

func TestSaveProductValidation(t *testing.T) {
	srv, _, _, _ := newTestServer()
	rec := do(t, srv.routes(0), "POST", "/api/products", `{"name":"","price":0}`, token(t, "user-1"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = do(t, srv.routes(0), "POST", "/api/products", `{bad`, token(t, "user-1"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestSaveProductUserWithoutAccount(t *testing.T) {
	srv, _, _, _ := newTestServer()
	rec := do(t, srv.routes(0), "POST", "/api/products", `{}`, token(t, "stranger"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestListProducts(t *testing.T) {
	srv, _, _, _ := newTestServer()
	rec := do(t, srv.routes(0), "GET", "/api/products?limit=10", "", token(t, "user-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	m := decodeBody(t, rec)
	if _, ok := m["collectionInfo"].(map[string]any); !ok {
		t.Fatalf("missing collectionInfo: %v", m)
	}
	if p, ok := m["products"].([]any); !ok || len(p) != 1 {
		t.Fatalf("unexpected products: %v", m["products"])
	}

	rec = do(t, srv.routes(0), "GET", "/api/products?limit=-1", "", token(t, "user-1"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestUpdateMissingProduct(t *testing.T) {
	srv, _, _, _ := newTestServer()
	body := `{"name":"Running Shoe","price":29900,"description":"Light trainer"}`
	rec := do(t, srv.routes(0), "PUT", "/api/products/missing", body, token(t, "user-1"))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDeleteProduct(t *testing.T) {
	srv, cat, _, _ := newTestServer()
	rec := do(t, srv.routes(0), "DELETE", "/api/products", "", token(t, "user-1"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without id, got %d", rec.Code)
	}

	rec = do(t, srv.routes(0), "DELETE", "/api/products?id=42", "", token(t, "user-1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	cat.delErr = fmt.Errorf("catalog: product 42: %w", domain.ErrForbidden)
	rec = do(t, srv.routes(0), "DELETE", "/api/products?id=42", "", token(t, "user-1"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestCatalogRoutesWithoutAccountStore(t *testing.T) {
	srv, _, _, _ := newTestServer()
	srv.accounts = nil
	rec := do(t, srv.routes(0), "GET", "/api/products", "", token(t, "user-1"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestPromptRoutes(t *testing.T) {
	srv, _, _, acc := newTestServer()
	h := srv.routes(0)

	rec := do(t, h, "PUT", "/api/account/acct-2/prompt", `{"ai_prompt":"Be brief."}`, token(t, "user-1"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-member, got %d", rec.Code)
	}

	rec = do(t, h, "PUT", "/api/account/acct-1/prompt", `{"ai_prompt":42}`, token(t, "user-1"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-string prompt, got %d", rec.Code)
	}

	rec = do(t, h, "PUT", "/api/account/acct-1/prompt", `{"ai_prompt":"Be brief."}`, token(t, "user-1"))
	if rec.Code != http.StatusOK || acc.prompt != "Be brief." {
		t.Fatalf("expected prompt stored, got %d %q", rec.Code, acc.prompt)
	}

	rec = do(t, h, "GET", "/api/account/acct-1/prompt", "", "")
	if rec.Code != http.StatusOK || decodeBody(t, rec)["ai_prompt"] != "Be brief." {
		t.Fatalf("unexpected prompt read: %d %s", rec.Code, rec.Body.String())
	}
}

func TestSettingsAndAccount(t *testing.T) {
	srv, _, _, _ := newTestServer()
	h := srv.routes(0)

	rec := do(t, h, "GET", "/api/account/acct-1/settings", "", "")
	if rec.Code != http.StatusOK || decodeBody(t, rec)["isFullscreen"] != true {
		t.Fatalf("unexpected settings: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, "GET", "/api/account", "", token(t, "user-1"))
	m := decodeBody(t, rec)
	if rec.Code != http.StatusOK || m["accountId"] != "acct-1" || m["userId"] != "user-1" {
		t.Fatalf("unexpected account: %d %v", rec.Code, m)
	}
}

func TestAccountUsers(t *testing.T) {
	srv, _, _, _ := newTestServer()
	h := srv.routes(0)
	tok := token(t, "user-1")

	if rec := do(t, h, "POST", "/api/account/acct-1/users", `{}`, tok); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without email, got %d", rec.Code)
	}
	if rec := do(t, h, "POST", "/api/account/acct-1/users", `{"email":"ghost@example.com"}`, tok); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown user, got %d", rec.Code)
	}
	if rec := do(t, h, "POST", "/api/account/acct-1/users", `{"email":"new@example.com"}`, tok); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := do(t, h, "DELETE", "/api/account/acct-1/users", "", tok); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without userId, got %d", rec.Code)
	}
	if rec := do(t, h, "DELETE", "/api/account/acct-1/users?userId=user-2", "", tok); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreateOrder(t *testing.T) {
	srv, _, _, _ := newTestServer()
	body := `{"line_items":[{"code":"RS-1","description":"Running Shoe","amount":29900,"quantity":1}]}`

	rec := do(t, srv.routes(0), "POST", "/api/orders", body, "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when unconfigured, got %d", rec.Code)
	}

	srv.orders = &fakeOrders{order: &agno.Order{ID: "ord_1", Status: "pending"}}
	rec = do(t, srv.routes(0), "POST", "/api/orders", `{"line_items":[]}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty line items, got %d", rec.Code)
	}
	errBody, _ := decodeBody(t, rec)["error"].(map[string]any)
	if errBody["code"] != "INVALID_REQUEST" {
		t.Fatalf("unexpected error body %s", rec.Body.String())
	}

	rec = do(t, srv.routes(0), "POST", "/api/orders", body, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := decodeBody(t, rec)["checkout_url"]; got != "https://wallet.example.com/order/ord_1" {
		t.Fatalf("unexpected checkout url %v", got)
	}
}

func TestCreateOrderAPIError(t *testing.T) {
	srv, _, _, _ := newTestServer()
	srv.orders = &fakeOrders{err: &agno.APIError{StatusCode: 422, Message: "bad amount", Code: "VALIDATION"}}
	body := `{"line_items":[{"code":"RS-1","description":"Running Shoe","amount":-1,"quantity":1}]}`
	rec := do(t, srv.routes(0), "POST", "/api/orders", body, "")
	if rec.Code != 422 {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	errBody, _ := decodeBody(t, rec)["error"].(map[string]any)
	if errBody["message"] != "bad amount" || errBody["code"] != "VALIDATION" {
		t.Fatalf("unexpected error body %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _, _ := newTestServer()
	srv.metrics.Counter("probe_total", "").Inc()
	rec := do(t, srv.routes(0), "GET", "/metrics", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "probe_total 1") {
		t.Fatalf("unexpected metrics: %d %s", rec.Code, rec.Body.String())
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("QDRANT_COLLECTION", "")
	t.Setenv("CHAT_RATE_PER_SEC", "abc")
	t.Setenv("CHAT_CATALOG_SUMMARY", "true")
	cfg := loadConfig()
	if cfg.Port != "8080" || cfg.Collection != "agnopay" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.ChatRate != 2 || !cfg.CatalogSummary {
		t.Fatalf("unexpected parsed values %+v", cfg)
	}
	if cfg.AgnoAPIURL != agno.DefaultAPIURL {
		t.Fatalf("unexpected agno url %q", cfg.AgnoAPIURL)
	}
}
