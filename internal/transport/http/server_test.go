package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tranvu/hrmledger/internal/employee/directory"
	empservice "github.com/tranvu/hrmledger/internal/employee/service"
	"github.com/tranvu/hrmledger/internal/otp"
	"github.com/tranvu/hrmledger/internal/sensitive/authz"
	senservice "github.com/tranvu/hrmledger/internal/sensitive/service"
	"github.com/tranvu/hrmledger/internal/storage/sqlite"
)

var jwtTestSecret = []byte("jwt-test-secret")

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "ledger.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})

	dir, err := directory.NewInMemory([]directory.Employee{
		{ID: 1, Name: "Dana", Role: directory.Role{Name: "Admin", Level: directory.LevelAdmin}},
		{ID: 2, Name: "Mia", Role: directory.Role{Name: "HR Manager", Level: directory.LevelHRManager}, ManagerID: 1},
		{ID: 5, Name: "Sam", Role: directory.Role{Name: "Staff", Level: directory.LevelStaff}, ManagerID: 2},
	})
	if err != nil {
		t.Fatalf("build directory: %v", err)
	}

	issuer, err := otp.NewIssuer([]byte("otp-secret"), 5*time.Minute)
	if err != nil {
		t.Fatalf("build issuer: %v", err)
	}

	engine, err := authz.NewEngine(dir, directory.LevelHRManager)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}

	logger := log.New(httpTestWriter{t}, "", 0)

	employees, err := empservice.New(empservice.Config{Events: store, Directory: dir, Logger: logger})
	if err != nil {
		t.Fatalf("build employee service: %v", err)
	}

	requests, err := senservice.New(senservice.Config{
		Store:       store,
		Issuer:      issuer,
		Engine:      engine,
		Logger:      logger,
		RequestTTL:  72 * time.Hour,
		MaxAttempts: 5,
	})
	if err != nil {
		t.Fatalf("build workflow service: %v", err)
	}

	server := httptest.NewServer(NewServer(employees, requests, jwtTestSecret, logger).Handler())
	t.Cleanup(server.Close)
	return server
}

type httpTestWriter struct{ t *testing.T }

func (w httpTestWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

func bearerToken(t *testing.T, employeeID int64) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": fmt.Sprintf("%d", employeeID),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString(jwtTestSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func doJSON(t *testing.T, server *httptest.Server, method, path string, actorID int64, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if actorID > 0 {
		req.Header.Set("Authorization", "Bearer "+bearerToken(t, actorID))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func createTestEmployee(t *testing.T, server *httptest.Server) {
	t.Helper()
	resp, body := doJSON(t, server, http.MethodPost, "/employees", 2, map[string]any{
		"employeeId":        5,
		"firstName":         "Sam",
		"lastName":          "Reyes",
		"email":             "sam@corp.test",
		"phone":             "555-0100",
		"taxId":             "TAX-000111",
		"bankAccountNumber": "ACCT-998877",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body = %v", resp.StatusCode, body)
	}
}

func TestHealthzNoAuth(t *testing.T) {
	server := newTestServer(t)

	resp, body := doJSON(t, server, http.MethodGet, "/healthz", 0, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v, want status ok", body)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	server := newTestServer(t)

	resp, body := doJSON(t, server, http.MethodGet, "/employees/5/profile", 0, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body = %v", resp.StatusCode, body)
	}
}

func TestRejectsForeignToken(t *testing.T) {
	server := newTestServer(t)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "5"})
	signed, err := token.SignedString([]byte("some-other-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	req, err := http.NewRequest(http.MethodGet, server.URL+"/employees/5/profile", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+signed)
	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestProfileMaskedForStranger(t *testing.T) {
	server := newTestServer(t)
	createTestEmployee(t, server)

	// Sam sees their own identifiers.
	resp, body := doJSON(t, server, http.MethodGet, "/employees/5/profile", 5, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["taxId"] != "TAX-000111" {
		t.Fatalf("taxId = %v, want full value", body["taxId"])
	}

	// A non-HR viewer gets masked values. Employee 1 is Admin but not in
	// HR; level 4 still clears the HR threshold, so use an unknown viewer.
	resp, body = doJSON(t, server, http.MethodGet, "/employees/5/profile", 9, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["masked"] != true {
		t.Fatalf("masked = %v, want true", body["masked"])
	}
	if body["taxId"] != "******0111" {
		t.Fatalf("taxId = %v, want masked", body["taxId"])
	}
}

func TestUpdateBasicInfoEndpoint(t *testing.T) {
	server := newTestServer(t)
	createTestEmployee(t, server)

	resp, body := doJSON(t, server, http.MethodPut, "/employees/5/basic-info", 5, map[string]any{
		"phone": "555-0900",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if body["phone"] != "555-0900" {
		t.Fatalf("phone = %v, want 555-0900", body["phone"])
	}
	if body["version"] != float64(2) {
		t.Fatalf("version = %v, want 2", body["version"])
	}
}

func TestReplayUpToSequence(t *testing.T) {
	server := newTestServer(t)
	createTestEmployee(t, server)

	resp, body := doJSON(t, server, http.MethodPut, "/employees/5/basic-info", 5, map[string]any{
		"phone": "555-0900",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d, body = %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, server, http.MethodPost, "/aggregates/5/replay?upToSequence=1", 2, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay status = %d, body = %v", resp.StatusCode, body)
	}
	profile, _ := body["profile"].(map[string]any)
	if profile["phone"] != "555-0100" {
		t.Fatalf("phone = %v, want pre-update value", profile["phone"])
	}
	if profile["version"] != float64(1) {
		t.Fatalf("version = %v, want 1", profile["version"])
	}

	resp, body = doJSON(t, server, http.MethodPost, "/aggregates/5/replay?upToSequence=zero", 2, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad param status = %d, body = %v", resp.StatusCode, body)
	}
}

func TestSensitiveWorkflowOverHTTP(t *testing.T) {
	server := newTestServer(t)
	createTestEmployee(t, server)

	// Sam opens a request for their own tax id.
	resp, body := doJSON(t, server, http.MethodPost, "/employees/5/sensitive-requests", 5, map[string]any{
		"changes": map[string]string{"taxId": "TAX-999999"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d, body = %v", resp.StatusCode, body)
	}
	code, _ := body["code"].(string)
	request, _ := body["request"].(map[string]any)
	requestID, _ := request["id"].(string)
	if code == "" || requestID == "" {
		t.Fatalf("body = %v, want code and request id", body)
	}
	changes, _ := request["changes"].(map[string]any)
	delta, _ := changes["taxId"].(map[string]any)
	if delta["new"] != "******9999" {
		t.Fatalf("masked new = %v, want ******9999", delta["new"])
	}

	// Sam verifies with the issued code.
	resp, body = doJSON(t, server, http.MethodPost, "/sensitive-requests/"+requestID+"/verify", 5, map[string]any{
		"code": code,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d, body = %v", resp.StatusCode, body)
	}
	if body["status"] != "Verified" {
		t.Fatalf("status = %v, want Verified", body["status"])
	}

	// Sam cannot approve their own request.
	resp, body = doJSON(t, server, http.MethodPost, "/sensitive-requests/"+requestID+"/approve", 5, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("self approve status = %d, body = %v", resp.StatusCode, body)
	}
	metadata, _ := body["metadata"].(map[string]any)
	if metadata["escalate_to"] != "2" {
		t.Fatalf("escalate_to = %v, want 2", metadata["escalate_to"])
	}

	// Mia approves.
	resp, body = doJSON(t, server, http.MethodPost, "/sensitive-requests/"+requestID+"/approve", 2, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve status = %d, body = %v", resp.StatusCode, body)
	}
	if body["status"] != "Approved" {
		t.Fatalf("status = %v, want Approved", body["status"])
	}

	// The approved value lands in the profile, visible to HR.
	resp, body = doJSON(t, server, http.MethodGet, "/employees/5/profile", 2, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("profile status = %d, body = %v", resp.StatusCode, body)
	}
	if body["taxId"] != "TAX-999999" {
		t.Fatalf("taxId = %v, want TAX-999999", body["taxId"])
	}
	if body["version"] != float64(3) {
		t.Fatalf("version = %v, want 3", body["version"])
	}
}

func TestVerifyWrongCodeOverHTTP(t *testing.T) {
	server := newTestServer(t)
	createTestEmployee(t, server)

	resp, body := doJSON(t, server, http.MethodPost, "/employees/5/sensitive-requests", 5, map[string]any{
		"changes": map[string]string{"taxId": "TAX-999999"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d, body = %v", resp.StatusCode, body)
	}
	request, _ := body["request"].(map[string]any)
	requestID, _ := request["id"].(string)
	code, _ := body["code"].(string)

	wrong := "000000"
	if wrong == code {
		wrong = "000001"
	}
	resp, body = doJSON(t, server, http.MethodPost, "/sensitive-requests/"+requestID+"/verify", 5, map[string]any{
		"code": wrong,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body = %v", resp.StatusCode, body)
	}
	if body["code"] != "OTP_INVALID" {
		t.Fatalf("error code = %v, want OTP_INVALID", body["code"])
	}
}

func TestProfileShowsPendingRequest(t *testing.T) {
	server := newTestServer(t)
	createTestEmployee(t, server)

	resp, body := doJSON(t, server, http.MethodPost, "/employees/5/sensitive-requests", 5, map[string]any{
		"changes": map[string]string{"bankAccountNumber": "ACCT-112233"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d, body = %v", resp.StatusCode, body)
	}
	request, _ := body["request"].(map[string]any)
	requestID, _ := request["id"].(string)

	resp, body = doJSON(t, server, http.MethodGet, "/employees/5/profile", 5, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("profile status = %d, body = %v", resp.StatusCode, body)
	}
	pending, _ := body["pendingRequest"].(map[string]any)
	if pending["id"] != requestID {
		t.Fatalf("pendingRequest = %v, want id %s", body["pendingRequest"], requestID)
	}
	if pending["status"] != "Requested" {
		t.Fatalf("pending status = %v, want Requested", pending["status"])
	}
	changes, _ := pending["changes"].(map[string]any)
	delta, _ := changes["bankAccountNumber"].(map[string]any)
	if delta["new"] != "*******2233" {
		t.Fatalf("masked new = %v, want *******2233", delta["new"])
	}
}

func TestListRequestsOverHTTP(t *testing.T) {
	server := newTestServer(t)
	createTestEmployee(t, server)

	resp, body := doJSON(t, server, http.MethodPost, "/employees/5/sensitive-requests", 5, map[string]any{
		"changes": map[string]string{"taxId": "TAX-999999"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d, body = %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, server, http.MethodGet, "/sensitive-requests?status=Requested", 2, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, body = %v", resp.StatusCode, body)
	}
	requests, _ := body["requests"].([]any)
	if len(requests) != 1 {
		t.Fatalf("requests = %v, want one entry", body["requests"])
	}

	resp, body = doJSON(t, server, http.MethodGet, "/sensitive-requests?status=Bogus", 2, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bogus filter status = %d, body = %v", resp.StatusCode, body)
	}
}
