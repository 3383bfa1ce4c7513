package server

import (
	"net/http"
	"testing"

	"github.com/medledger/backend/internal/accounts"
)

func TestProtectedRoutesRequireASession(t *testing.T) {
	s := newTestStack(t)

	status, _ := s.doJSON(t, http.MethodGet, "/records/some-record", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", status)
	}
	status, _ = s.doJSON(t, http.MethodGet, "/records/some-record", "not-a-real-token", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 with a garbage token, got %d", status)
	}
}

func TestRegisterLoginLogoutRoundTrip(t *testing.T) {
	s := newTestStack(t)

	status, body := s.doJSON(t, http.MethodPost, "/auth/register", "", map[string]any{
		"email":     "doctor@clinic.example",
		"password":  testPassword,
		"name":      "Test Doctor",
		"role":      "Doctor",
		"clinic_id": "clinic-1",
	})
	if status != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %v", status, body)
	}
	if body["email"] != "doctor@clinic.example" || body["role"] != "Doctor" {
		t.Fatalf("unexpected register payload: %v", body)
	}
	if _, leaked := body["password_hash"]; leaked {
		t.Fatalf("the password hash must never leave the server")
	}

	status, _ = s.doJSON(t, http.MethodPost, "/auth/register", "", map[string]any{
		"email": "Doctor@Clinic.Example", "password": testPassword, "role": "Nurse",
	})
	if status != http.StatusConflict {
		t.Fatalf("expected 409 for a duplicate email, got %d", status)
	}
	status, _ = s.doJSON(t, http.MethodPost, "/auth/register", "", map[string]any{
		"email": "x@clinic.example", "password": testPassword, "role": "Surgeon",
	})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown role, got %d", status)
	}

	status, _ = s.doJSON(t, http.MethodPost, "/auth/login", "", map[string]any{
		"email": "doctor@clinic.example", "password": "wrong-password",
	})
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a wrong password, got %d", status)
	}

	status, body = s.doJSON(t, http.MethodPost, "/auth/login", "", map[string]any{
		"email": "doctor@clinic.example", "password": testPassword,
	})
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", status, body)
	}
	token, _ := body["session_token"].(string)
	if token == "" {
		t.Fatalf("login must return a session token")
	}

	status, _ = s.doJSON(t, http.MethodPost, "/auth/logout", token, nil)
	if status != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", status)
	}
	status, _ = s.doJSON(t, http.MethodGet, "/records/some-record", token, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("a logged-out token must be rejected, got %d", status)
	}
}

func TestAdminOnlyEndpointsRejectStaff(t *testing.T) {
	s := newTestStack(t)
	s.register(t, "doctor@clinic.example", accounts.RoleDoctor, "clinic-1")
	doctorToken := s.login(t, "doctor@clinic.example")

	adminOnly := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodPost, "/assignments", map[string]any{"user_id": "u", "record_id": "r"}},
		{http.MethodDelete, "/assignments", map[string]any{"user_id": "u", "record_id": "r"}},
		{http.MethodPost, "/assignments/bulk", map[string]any{"user_id": "u", "record_ids": []string{"r"}}},
		{http.MethodPost, "/assignments/transfer", map[string]any{"record_id": "r", "from_user": "a", "to_user": "b"}},
		{http.MethodPost, "/users/u/deactivate", nil},
		{http.MethodPost, "/users/u/activate", nil},
		{http.MethodPost, "/records/r/deactivate", nil},
		{http.MethodPost, "/batches/harvest", map[string]any{"limit": 0}},
		{http.MethodPost, "/batches", map[string]any{"event_ids": []string{"e"}}},
		{http.MethodPost, "/batches/b/submit", nil},
		{http.MethodPost, "/batches/b/confirm", nil},
		{http.MethodGet, "/batches/latest", nil},
		{http.MethodGet, "/batches?status=Created", nil},
		{http.MethodGet, "/batches/b", nil},
		{http.MethodGet, "/batches/b/events", nil},
		{http.MethodGet, "/batches/b/verify", nil},
		{http.MethodGet, "/batches/b/chain", nil},
	}
	for _, endpoint := range adminOnly {
		status, _ := s.doJSON(t, endpoint.method, endpoint.path, doctorToken, endpoint.body)
		if status != http.StatusForbidden {
			t.Fatalf("%s %s must require the admin role, got %d", endpoint.method, endpoint.path, status)
		}
	}
}

func TestUpdatePublicKeyOwnership(t *testing.T) {
	s := newTestStack(t)
	doctor := s.register(t, "doctor@clinic.example", accounts.RoleDoctor, "clinic-1")
	nurse := s.register(t, "nurse@clinic.example", accounts.RoleNurse, "clinic-1")
	s.register(t, "admin@clinic.example", accounts.RoleAdmin, "")
	doctorToken := s.login(t, "doctor@clinic.example")
	adminToken := s.login(t, "admin@clinic.example")

	status, _ := s.doJSON(t, http.MethodPut, "/users/"+doctor.UserID+"/public-key", doctorToken,
		map[string]any{"public_key": "rotated-key"})
	if status != http.StatusNoContent {
		t.Fatalf("users rotate their own key, got %d", status)
	}
	status, _ = s.doJSON(t, http.MethodPut, "/users/"+nurse.UserID+"/public-key", doctorToken,
		map[string]any{"public_key": "rotated-key"})
	if status != http.StatusForbidden {
		t.Fatalf("users must not rotate other users' keys, got %d", status)
	}
	status, _ = s.doJSON(t, http.MethodPut, "/users/"+nurse.UserID+"/public-key", adminToken,
		map[string]any{"public_key": "rotated-key"})
	if status != http.StatusNoContent {
		t.Fatalf("admins rotate any key, got %d", status)
	}
	status, _ = s.doJSON(t, http.MethodPut, "/users/"+doctor.UserID+"/public-key", adminToken,
		map[string]any{"public_key": "   "})
	if status != http.StatusBadRequest {
		t.Fatalf("a blank key must be rejected, got %d", status)
	}
}

func TestDeactivatingAUserEndsTheirSessionAndAssignments(t *testing.T) {
	s := newTestStack(t)
	nurse := s.register(t, "nurse@clinic.example", accounts.RoleNurse, "clinic-1")
	s.register(t, "admin@clinic.example", accounts.RoleAdmin, "")
	nurseToken := s.login(t, "nurse@clinic.example")
	adminToken := s.login(t, "admin@clinic.example")

	status, _ := s.doJSON(t, http.MethodPost, "/assignments", adminToken,
		map[string]any{"user_id": nurse.UserID, "record_id": "record-1"})
	if status != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", status)
	}

	status, body := s.doJSON(t, http.MethodGet, "/users/"+nurse.UserID+"/assignments", adminToken, nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	listed, _ := body["assignments"].([]any)
	if len(listed) != 1 {
		t.Fatalf("expected 1 assignment, got %v", body)
	}
	entry, _ := listed[0].(map[string]any)
	if entry["user_id"] != nurse.UserID || entry["record_id"] != "record-1" || entry["is_active"] != true {
		t.Fatalf("assignment payload must use wire field names, got %v", entry)
	}
	if _, ok := entry["assigned_date_s"]; !ok {
		t.Fatalf("assignment payload must carry the assignment date, got %v", entry)
	}

	status, _ = s.doJSON(t, http.MethodPost, "/users/"+nurse.UserID+"/deactivate", adminToken, nil)
	if status != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", status)
	}

	status, _ = s.doJSON(t, http.MethodGet, "/users/"+nurse.UserID+"/assignments", nurseToken, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("a deactivated user's token must stop validating, got %d", status)
	}
	status, body = s.doJSON(t, http.MethodGet, "/users/"+nurse.UserID+"/assignments", adminToken, nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if assignments, ok := body["assignments"].([]any); !ok || len(assignments) != 0 {
		t.Fatalf("deactivation must revoke the user's assignments, got %v", body)
	}
}
