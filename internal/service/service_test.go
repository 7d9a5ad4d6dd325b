package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mmynk/cashflow/internal/auth"
	"github.com/mmynk/cashflow/internal/backend"
	"github.com/mmynk/cashflow/internal/backend/memory"
	"github.com/mmynk/cashflow/internal/coordinator"
	"github.com/mmynk/cashflow/internal/ledger"
	"github.com/mmynk/cashflow/internal/middleware"
	"github.com/mmynk/cashflow/internal/session"
	"github.com/mmynk/cashflow/internal/storage"
)

type testServer struct {
	client   *Client
	sessions *session.Registry
	backend  *memory.Backend
	url      string
}

// setupTestServer wires both services and the view socket over an
// in-memory backend.
func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := memory.New()
	s := setupTestServerWith(t, mem)
	s.backend = mem
	return s
}

func setupTestServerWith(t *testing.T, b backend.Backend) *testServer {
	t.Helper()

	store := storage.New(b)
	sessions := session.NewRegistry(store, nil, nil, coordinator.WithFetchTimeout(2*time.Second))
	jwtManager := auth.NewJWTManager("test-secret", time.Hour)
	users := auth.NewMemoryUsers()

	ledgerSvc := NewLedgerService(ledger.New(store), sessions, WithWaitTimeout(2*time.Second))
	authSvc := NewAuthService(auth.NewPasswordAuthenticator(users), users, jwtManager, sessions, nil)

	mux := http.NewServeMux()
	mux.Handle(NewLedgerServiceHandler(ledgerSvc,
		connect.WithInterceptors(middleware.RequireAuth(jwtManager), middleware.LoggingInterceptor()),
	))
	mux.Handle(NewAuthServiceHandler(authSvc,
		connect.WithInterceptors(middleware.OptionalAuth(jwtManager), middleware.LoggingInterceptor()),
	))
	mux.Handle("/ws/view", NewViewSocket(jwtManager, sessions, nil))

	server := httptest.NewServer(mux)
	t.Cleanup(func() {
		server.Close()
		sessions.Close()
		store.Close()
	})

	return &testServer{
		client:   NewClient(http.DefaultClient, server.URL),
		sessions: sessions,
		url:      server.URL,
	}
}

func (s *testServer) register(t *testing.T, email string) string {
	t.Helper()
	resp, err := s.client.Call(context.Background(), AuthServiceRegisterProcedure, "", map[string]any{
		"email":       email,
		"displayName": "Test User",
		"password":    "password123",
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	token := resp.GetFields()["token"].GetStringValue()
	if token == "" {
		t.Fatal("expected token in response")
	}
	return token
}

func (s *testServer) call(t *testing.T, procedure, token string, fields map[string]any) *structpb.Struct {
	t.Helper()
	resp, err := s.client.Call(context.Background(), procedure, token, fields)
	if err != nil {
		t.Fatalf("%s failed: %v", procedure, err)
	}
	return resp
}

// awaitView polls GetView until cond holds; writes reach the view
// asynchronously through the subscription.
func (s *testServer) awaitView(t *testing.T, token string, cond func(*structpb.Struct) bool) *structpb.Struct {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		view := s.call(t, LedgerServiceGetViewProcedure, token, nil)
		if cond(view) {
			return view
		}
		if time.Now().After(deadline) {
			t.Fatalf("view did not converge: %v", view)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func listLen(msg *structpb.Struct, key string) int {
	return len(msg.GetFields()[key].GetListValue().GetValues())
}

func nested(msg *structpb.Struct, key string) *structpb.Struct {
	return msg.GetFields()[key].GetStructValue()
}

func str(msg *structpb.Struct, key string) string {
	return msg.GetFields()[key].GetStringValue()
}

func num(msg *structpb.Struct, key string) float64 {
	return msg.GetFields()[key].GetNumberValue()
}

func expectCode(t *testing.T, err error, want connect.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v error, got nil", want)
	}
	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		t.Fatalf("expected connect error, got %v", err)
	}
	if connectErr.Code() != want {
		t.Errorf("code: expected %v, got %v (%v)", want, connectErr.Code(), err)
	}
}

func seedAlice(t *testing.T, s *testServer, token string) string {
	t.Helper()
	person := nested(s.call(t, LedgerServiceCreatePersonProcedure, token, map[string]any{"name": "Alice"}), "person")
	personID := str(person, "id")
	if personID == "" {
		t.Fatal("expected person ID")
	}
	s.call(t, LedgerServiceCreateTransactionProcedure, token, map[string]any{
		"personId": personID, "type": "income", "amount": 500, "category": "Salary", "date": "2026-01-05",
	})
	s.call(t, LedgerServiceCreateTransactionProcedure, token, map[string]any{
		"personId": personID, "type": "expense", "amount": "150", "category": "Food", "date": "2026-01-06",
	})
	return personID
}

func TestGetView(t *testing.T) {
	s := setupTestServer(t)
	token := s.register(t, "alice@example.com")
	personID := seedAlice(t, s, token)

	view := s.awaitView(t, token, func(v *structpb.Struct) bool { return listLen(v, "transactions") == 2 })

	if str(view, "state") != "ready" {
		t.Errorf("state: expected ready, got %s", str(view, "state"))
	}
	dashboard := nested(view, "dashboard")
	if got := str(dashboard, "totalBalance"); got != "350" {
		t.Errorf("totalBalance: expected 350, got %s", got)
	}
	if got := num(dashboard, "totalPersons"); got != 1 {
		t.Errorf("totalPersons: expected 1, got %v", got)
	}

	stats := view.GetFields()["personStats"].GetListValue().GetValues()
	if len(stats) != 1 {
		t.Fatalf("personStats: expected 1, got %d", len(stats))
	}
	alice := stats[0].GetStructValue()
	if str(alice, "personId") != personID {
		t.Errorf("personId: expected %s, got %s", personID, str(alice, "personId"))
	}
	if str(alice, "totalIncome") != "500" || str(alice, "totalExpenses") != "150" || str(alice, "balance") != "350" {
		t.Errorf("unexpected person stats: %v", alice)
	}
	if num(alice, "transactionCount") != 2 {
		t.Errorf("transactionCount: expected 2, got %v", num(alice, "transactionCount"))
	}
}

func TestViewsAreScopedPerUser(t *testing.T) {
	s := setupTestServer(t)
	alice := s.register(t, "alice@example.com")
	bob := s.register(t, "bob@example.com")
	seedAlice(t, s, alice)
	s.awaitView(t, alice, func(v *structpb.Struct) bool { return listLen(v, "transactions") == 2 })

	view := s.call(t, LedgerServiceGetViewProcedure, bob, nil)
	if listLen(view, "persons") != 0 || listLen(view, "transactions") != 0 {
		t.Errorf("bob sees alice's data: %v", view)
	}
	if s.sessions.Len() != 2 {
		t.Errorf("sessions: expected 2, got %d", s.sessions.Len())
	}
}

func TestRequiresAuthentication(t *testing.T) {
	s := setupTestServer(t)

	_, err := s.client.Call(context.Background(), LedgerServiceGetViewProcedure, "", nil)
	expectCode(t, err, connect.CodeUnauthenticated)

	_, err = s.client.Call(context.Background(), LedgerServiceCreatePersonProcedure, "not-a-token", map[string]any{"name": "X"})
	expectCode(t, err, connect.CodeUnauthenticated)
}

func TestValidationErrors(t *testing.T) {
	s := setupTestServer(t)
	token := s.register(t, "alice@example.com")
	ctx := context.Background()

	_, err := s.client.Call(ctx, LedgerServiceCreatePersonProcedure, token, map[string]any{"name": ""})
	expectCode(t, err, connect.CodeInvalidArgument)

	_, err = s.client.Call(ctx, LedgerServiceCreateTransactionProcedure, token, map[string]any{
		"personId": "p1", "type": "income", "amount": "abc", "date": "2026-01-01",
	})
	expectCode(t, err, connect.CodeInvalidArgument)

	_, err = s.client.Call(ctx, LedgerServiceCreateTransactionProcedure, token, map[string]any{
		"personId": "p1", "type": "transfer", "amount": 1, "date": "2026-01-01",
	})
	expectCode(t, err, connect.CodeInvalidArgument)

	_, err = s.client.Call(ctx, LedgerServiceUpdatePersonProcedure, token, map[string]any{"id": "missing", "name": "X"})
	expectCode(t, err, connect.CodeNotFound)
}

func TestDeletePersonCascades(t *testing.T) {
	s := setupTestServer(t)
	token := s.register(t, "alice@example.com")
	personID := seedAlice(t, s, token)
	s.awaitView(t, token, func(v *structpb.Struct) bool { return listLen(v, "transactions") == 2 })

	resp := s.call(t, LedgerServiceDeletePersonProcedure, token, map[string]any{"id": personID})
	if num(resp, "removedTransactions") != 2 {
		t.Errorf("removedTransactions: expected 2, got %v", num(resp, "removedTransactions"))
	}

	view := s.awaitView(t, token, func(v *structpb.Struct) bool {
		return listLen(v, "persons") == 0 && listLen(v, "transactions") == 0
	})
	if str(nested(view, "dashboard"), "totalBalance") != "0" {
		t.Errorf("totalBalance: expected 0, got %v", nested(view, "dashboard"))
	}
}

func TestUpdateAndDeleteTransaction(t *testing.T) {
	s := setupTestServer(t)
	token := s.register(t, "alice@example.com")

	created := nested(s.call(t, LedgerServiceCreateTransactionProcedure, token, map[string]any{
		"personId": "p1", "type": "expense", "amount": "10", "date": "2026-02-01",
		"attachment": map[string]any{"uri": "file:///receipt.jpg", "mimeType": "image/jpeg"},
	}), "transaction")
	txID := str(created, "id")
	if nested(created, "attachment") == nil {
		t.Error("expected attachment in response")
	}

	updated := nested(s.call(t, LedgerServiceUpdateTransactionProcedure, token, map[string]any{
		"id": txID, "personId": "p1", "type": "expense", "amount": "12.75", "date": "2026-02-01",
	}), "transaction")
	if str(updated, "amount") != "12.75" {
		t.Errorf("amount: expected 12.75, got %s", str(updated, "amount"))
	}

	view := s.awaitView(t, token, func(v *structpb.Struct) bool {
		return str(nested(v, "dashboard"), "totalExpenses") == "12.75"
	})
	// The orphaned transaction counts globally but not per person.
	if listLen(view, "personStats") != 0 {
		t.Errorf("personStats: expected none, got %v", view.GetFields()["personStats"])
	}

	s.call(t, LedgerServiceDeleteTransactionProcedure, token, map[string]any{"id": txID})
	s.awaitView(t, token, func(v *structpb.Struct) bool { return listLen(v, "transactions") == 0 })
}

func TestGetReport(t *testing.T) {
	s := setupTestServer(t)
	token := s.register(t, "alice@example.com")
	seedAlice(t, s, token)
	s.awaitView(t, token, func(v *structpb.Struct) bool { return listLen(v, "transactions") == 2 })

	report := s.call(t, LedgerServiceGetReportProcedure, token, map[string]any{"monthCount": 3})
	if got := listLen(report, "months"); got != 3 {
		t.Errorf("months: expected 3, got %d", got)
	}

	categories := report.GetFields()["categories"].GetListValue().GetValues()
	if len(categories) != 2 {
		t.Fatalf("categories: expected 2, got %d", len(categories))
	}
	totals := map[string]string{}
	for _, c := range categories {
		totals[str(c.GetStructValue(), "category")] = str(c.GetStructValue(), "total")
	}
	if totals["Salary"] != "500" || totals["Food"] != "150" {
		t.Errorf("unexpected category totals: %v", totals)
	}
}

func TestRefresh(t *testing.T) {
	s := setupTestServer(t)
	token := s.register(t, "alice@example.com")

	resp := s.call(t, LedgerServiceRefreshProcedure, token, nil)
	if state := str(resp, "state"); state != "loading" && state != "ready" {
		t.Errorf("state after refresh: %s", state)
	}
	s.awaitView(t, token, func(v *structpb.Struct) bool { return str(v, "state") == "ready" })
}

func TestLogoutRevokesTokenAndReleasesSession(t *testing.T) {
	s := setupTestServer(t)
	token := s.register(t, "alice@example.com")
	s.call(t, LedgerServiceGetViewProcedure, token, nil)
	if s.sessions.Len() != 1 {
		t.Fatalf("sessions: expected 1, got %d", s.sessions.Len())
	}

	s.call(t, AuthServiceLogoutProcedure, token, nil)

	if s.sessions.Len() != 0 {
		t.Errorf("sessions after logout: expected 0, got %d", s.sessions.Len())
	}
	_, err := s.client.Call(context.Background(), LedgerServiceGetViewProcedure, token, nil)
	expectCode(t, err, connect.CodeUnauthenticated)

	_, err = s.client.Call(context.Background(), AuthServiceLogoutProcedure, "", nil)
	expectCode(t, err, connect.CodeUnauthenticated)
}

func TestLoginAndCurrentUser(t *testing.T) {
	s := setupTestServer(t)
	s.register(t, "alice@example.com")

	resp := s.call(t, AuthServiceLoginProcedure, "", map[string]any{"email": "alice@example.com", "password": "password123"})
	token := str(resp, "token")

	me := nested(s.call(t, AuthServiceGetCurrentUserProcedure, token, nil), "user")
	if str(me, "email") != "alice@example.com" || str(me, "displayName") != "Test User" {
		t.Errorf("unexpected user: %v", me)
	}

	_, err := s.client.Call(context.Background(), AuthServiceLoginProcedure, "", map[string]any{"email": "alice@example.com", "password": "wrong-password"})
	expectCode(t, err, connect.CodeUnauthenticated)

	_, err = s.client.Call(context.Background(), AuthServiceRegisterProcedure, "", map[string]any{
		"email": "alice@example.com", "displayName": "Again", "password": "password123",
	})
	expectCode(t, err, connect.CodeAlreadyExists)
}

func TestWatchView(t *testing.T) {
	s := setupTestServer(t)
	token := s.register(t, "alice@example.com")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := s.client.WatchView(ctx, token)
	if err != nil {
		t.Fatalf("WatchView failed: %v", err)
	}
	defer stream.Close()

	if !stream.Receive() {
		t.Fatalf("expected initial view: %v", stream.Err())
	}
	if listLen(stream.Msg(), "persons") != 0 {
		t.Errorf("expected empty initial view, got %v", stream.Msg())
	}

	s.call(t, LedgerServiceCreatePersonProcedure, token, map[string]any{"name": "Alice"})

	for stream.Receive() {
		if listLen(stream.Msg(), "persons") == 1 {
			return
		}
	}
	t.Fatalf("stream ended before the new person arrived: %v", stream.Err())
}

func TestViewSocket(t *testing.T) {
	s := setupTestServer(t)
	token := s.register(t, "alice@example.com")
	wsURL := "ws" + strings.TrimPrefix(s.url, "http") + "/ws/view"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token=bad", nil)
	if err == nil {
		t.Fatal("expected dial with bad token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", resp)
	}

	ws, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ws.Close()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	s.call(t, LedgerServiceCreatePersonProcedure, token, map[string]any{"name": "Alice"})

	for {
		var view map[string]any
		if err := ws.ReadJSON(&view); err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if persons, _ := view["persons"].([]any); len(persons) == 1 {
			if view["state"] != "ready" {
				t.Errorf("state: expected ready, got %v", view["state"])
			}
			return
		}
	}
}

// rejectingBackend refuses every subscription.
type rejectingBackend struct {
	*memory.Backend
}

func (rejectingBackend) Subscribe(string, func(backend.Snapshot), func(error)) (backend.Handle, error) {
	return nil, errors.New("listener rejected")
}

func TestSyncErrorWithoutView(t *testing.T) {
	s := setupTestServerWith(t, rejectingBackend{memory.New()})
	token := s.register(t, "alice@example.com")

	view := s.call(t, LedgerServiceGetViewProcedure, token, nil)
	if state := str(view, "state"); state != "error" {
		t.Fatalf("state: expected error, got %s", state)
	}
	if code := str(nested(view, "error"), "code"); code != "subscribe" {
		t.Errorf("error code: expected subscribe, got %q", code)
	}
	if _, ok := view.GetFields()["persons"]; ok {
		t.Errorf("expected no view, got %v", view)
	}

	_, err := s.client.Call(context.Background(), LedgerServiceGetReportProcedure, token, nil)
	expectCode(t, err, connect.CodeUnavailable)
}

func TestWatchViewReportsSyncError(t *testing.T) {
	s := setupTestServer(t)
	token := s.register(t, "alice@example.com")
	userID := str(nested(s.call(t, AuthServiceGetCurrentUserProcedure, token, nil), "user"), "id")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := s.client.WatchView(ctx, token)
	if err != nil {
		t.Fatalf("WatchView failed: %v", err)
	}
	defer stream.Close()

	for stream.Receive() {
		if str(stream.Msg(), "state") == "ready" {
			break
		}
	}

	path := storage.Path(userID, storage.CollectionTransactions)
	if n := s.backend.Break(path, errors.New("connection lost")); n != 1 {
		t.Fatalf("expected 1 broken subscription, got %d", n)
	}

	for stream.Receive() {
		msg := stream.Msg()
		if str(msg, "state") != "error" {
			continue
		}
		if code := str(nested(msg, "error"), "code"); code != "subscribe" {
			t.Errorf("error code: expected subscribe, got %q", code)
		}
		if _, ok := msg.GetFields()["persons"]; !ok {
			t.Error("expected the last view alongside the error")
		}
		return
	}
	t.Fatalf("stream ended without an error update: %v", stream.Err())
}
