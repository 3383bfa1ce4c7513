package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/medledger/backend/internal/access"
	"github.com/medledger/backend/internal/accounts"
	"github.com/medledger/backend/internal/anchoring"
	"github.com/medledger/backend/internal/database"
	"github.com/medledger/backend/internal/identifier"
	"github.com/medledger/backend/internal/ledger"
	"github.com/medledger/backend/internal/records"
	"github.com/medledger/backend/internal/sessions"
)

const testPassword = "pw-123456"

// stack is the full service graph behind one in-memory HTTP server.
type stack struct {
	accounts *accounts.Service
	records  *records.Service
	access   *access.Service
	ledger   *ledger.Service
	engine   *anchoring.Engine
	sessions *sessions.Manager
	server   *httptest.Server
}

func newTestStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.OpenSQLite(dsn, nil)
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	ids := identifier.NewUUIDProvider()

	accountService, err := accounts.NewService(accounts.ServiceConfig{
		Database:   db,
		IDProvider: ids,
	})
	if err != nil {
		t.Fatalf("failed to construct accounts service: %v", err)
	}
	recordService, err := records.NewService(records.ServiceConfig{
		Database:   db,
		IDProvider: ids,
	})
	if err != nil {
		t.Fatalf("failed to construct records service: %v", err)
	}
	accessService, err := access.NewService(access.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct access service: %v", err)
	}
	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Database:   db,
		IDProvider: ids,
		Authorizer: accessService,
	})
	if err != nil {
		t.Fatalf("failed to construct ledger service: %v", err)
	}
	engine, err := anchoring.NewEngine(anchoring.EngineConfig{
		Database:   db,
		IDProvider: ids,
		Anchor:     anchoring.NewDevAnchor(),
	})
	if err != nil {
		t.Fatalf("failed to construct anchoring engine: %v", err)
	}
	sessionManager, err := sessions.NewManager(sessions.ManagerConfig{
		Accounts:      accountService,
		SigningSecret: []byte("server-test-secret"),
	})
	if err != nil {
		t.Fatalf("failed to construct session manager: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Accounts: accountService,
		Sessions: sessionManager,
		Records:  recordService,
		Ledger:   ledgerService,
		Access:   accessService,
		Engine:   engine,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)
	return &stack{
		accounts: accountService,
		records:  recordService,
		access:   accessService,
		ledger:   ledgerService,
		engine:   engine,
		sessions: sessionManager,
		server:   testServer,
	}
}

func (s *stack) register(t *testing.T, email string, role accounts.Role, clinicID string) *accounts.User {
	t.Helper()
	user, err := s.accounts.Register(context.Background(), accounts.RegisterRequest{
		Email:    email,
		Password: testPassword,
		Name:     "Test User",
		Role:     role,
		ClinicID: clinicID,
	})
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	return user
}

func (s *stack) login(t *testing.T, email string) string {
	t.Helper()
	_, token, err := s.sessions.Login(context.Background(), email, testPassword)
	if err != nil {
		t.Fatalf("unexpected login error: %v", err)
	}
	return token
}

// doJSON performs one request against the test server and decodes the JSON
// body, when there is one, into a generic map.
func (s *stack) doJSON(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	var decoded map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("failed to decode response %q: %v", raw, err)
		}
	}
	return response.StatusCode, decoded
}
