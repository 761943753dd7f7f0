package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"intakeline/internal/db"
	"intakeline/internal/events"
	"intakeline/internal/migrate"
	"intakeline/internal/repo"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	handler, err := New(Config{
		DB:       conn,
		Repo:     repo.Repo{DB: conn},
		Events:   events.Writer{DB: conn},
		BasePath: "/v0",
		Auth:     auth,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func TestEntityLifecycle(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})

	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/entities", map[string]any{
		"id":     "C-1",
		"fields": map[string]string{"first_name": "Maria"},
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d body %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/entities/C-1", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: status %d body %s", resp.StatusCode, body)
	}
	var e EntityResponse
	if err := json.Unmarshal(body, &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.ID != "C-1" || e.Fields["first_name"] != "Maria" {
		t.Fatalf("unexpected entity: %+v", e)
	}
}

func TestGetUnknownEntityIs404(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/entities/C-404", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d body %s", resp.StatusCode, body)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("want not_found envelope, got %s", body)
	}
}

func TestSaveFormRevisionsAndMerging(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	formURL := ts.URL + "/v0/entities/C-1/forms/consent"

	resp, body := doJSON(t, ts.client, http.MethodPost, formURL, map[string]any{
		"fields": map[string]string{"first_name": "Maria"},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save: status %d body %s", resp.StatusCode, body)
	}
	var f FormResponse
	if err := json.Unmarshal(body, &f); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Revision != 1 || f.Fields["revision"] != "1" || f.Fields["saved_at"] == "" {
		t.Fatalf("first save should be revision 1 with stamps: %+v", f)
	}

	// A partial save merges into the stored fields.
	_, body = doJSON(t, ts.client, http.MethodPost, formURL, map[string]any{
		"fields":  map[string]string{"phone": "555-0100"},
		"partial": true,
	}, nil)
	f = FormResponse{}
	if err := json.Unmarshal(body, &f); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Revision != 2 || f.Fields["first_name"] != "Maria" || f.Fields["phone"] != "555-0100" {
		t.Fatalf("partial save should merge: %+v", f)
	}

	// A full save replaces them.
	_, body = doJSON(t, ts.client, http.MethodPost, formURL, map[string]any{
		"fields": map[string]string{"signature": "Maria Alvarez"},
	}, nil)
	f = FormResponse{}
	if err := json.Unmarshal(body, &f); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if f.Revision != 3 || f.Fields["signature"] != "Maria Alvarez" {
		t.Fatalf("full save should replace: %+v", f)
	}
	if _, ok := f.Fields["phone"]; ok {
		t.Fatalf("full save must not keep old fields: %+v", f)
	}

	resp, body = doJSON(t, ts.client, http.MethodGet, formURL, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get form: status %d body %s", resp.StatusCode, body)
	}
}

func TestSaveFormRequiresFields(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/entities/C-1/forms/consent", map[string]any{
		"fields": map[string]string{},
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d body %s", resp.StatusCode, body)
	}
}

func TestGetUnknownFormIs404(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	resp, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/entities/C-1/forms/consent", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestSaveJournalsEvents(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	formURL := ts.URL + "/v0/entities/C-1/forms/consent"
	doJSON(t, ts.client, http.MethodPost, formURL, map[string]any{
		"fields": map[string]string{"a": "1"},
	}, nil)
	doJSON(t, ts.client, http.MethodPost, formURL, map[string]any{
		"fields":  map[string]string{"b": "2"},
		"partial": true,
	}, nil)

	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/events?entity_id=C-1", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events: status %d body %s", resp.StatusCode, body)
	}
	var evs []EventResponse
	if err := json.Unmarshal(body, &evs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("want 2 events, got %d: %s", len(evs), body)
	}
	// Newest first.
	if evs[0].Type != "form.autosaved" || evs[1].Type != "form.saved" {
		t.Fatalf("unexpected event types: %+v", evs)
	}
}

func TestBearerAuthWhenSecretSet(t *testing.T) {
	secret := "test-secret"
	ts := newTestServer(t, AuthConfig{JWTSecret: secret})

	resp, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/entities", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated request should be 401, got %d", resp.StatusCode)
	}

	// Health stays open.
	resp, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", resp.StatusCode)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "tester",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/entities", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated request should pass, got %d body %s", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/entities", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token should be 401, got %d", resp.StatusCode)
	}
}
