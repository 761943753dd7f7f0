package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"intakeline/internal/domain"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want domain.FailureReason
	}{
		{nil, domain.ReasonNone},
		{fmt.Errorf("%w: entity C-9", ErrNotFound), domain.ReasonNotFound},
		{fmt.Errorf("%w: revision moved", ErrConflict), domain.ReasonConflictOnSave},
		{fmt.Errorf("%w: dial tcp: refused", ErrUnavailable), domain.ReasonNetworkUnavailable},
		{errors.New("something else"), domain.ReasonNetworkUnavailable},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Fatalf("Classify(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}

func TestClassifyTransportMapsStatusCodes(t *testing.T) {
	if err := classifyTransport(&APIError{StatusCode: 404}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("404 should map to ErrNotFound, got %v", err)
	}
	if err := classifyTransport(&APIError{StatusCode: 409}); !errors.Is(err, ErrConflict) {
		t.Fatalf("409 should map to ErrConflict, got %v", err)
	}
	if err := classifyTransport(&APIError{StatusCode: 500}); errors.Is(err, ErrUnavailable) {
		t.Fatalf("server errors keep their APIError identity, got %v", err)
	}
	if err := classifyTransport(errors.New("dial tcp: refused")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("transport errors map to ErrUnavailable, got %v", err)
	}
}

func TestMockServesCannedEntities(t *testing.T) {
	m := NewMock()
	m.Latency = 0
	rec, err := m.FetchEntity(context.Background(), "C-1001")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if rec["first_name"] != "Maria" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if _, err := m.FetchEntity(context.Background(), "C-9999"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id should be ErrNotFound, got %v", err)
	}
}

func TestMockSaveThenFetchRoundTrip(t *testing.T) {
	m := NewMock()
	m.Latency = 0
	ctx := context.Background()
	echo, err := m.SaveForm(ctx, "C-1001", "consent", map[string]string{"signature": "Maria"}, false)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if echo["revision"] != "1" || echo["saved_at"] == "" {
		t.Fatalf("echo should carry server bookkeeping: %v", echo)
	}
	form, err := m.FetchForm(ctx, "C-1001", "consent")
	if err != nil {
		t.Fatalf("fetch form: %v", err)
	}
	if form["signature"] != "Maria" {
		t.Fatalf("saved draft not served back: %v", form)
	}

	echo, err = m.SaveForm(ctx, "C-1001", "consent", map[string]string{"signature": "Maria"}, true)
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if echo["revision"] != "2" {
		t.Fatalf("revision should increment: %v", echo)
	}
}

func TestMockHonorsContextDuringLatency(t *testing.T) {
	m := NewMock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.FetchEntity(ctx, "C-1001"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

type downBackend struct{}

func (downBackend) FetchEntity(context.Context, string) (domain.EntityRecord, error) {
	return nil, fmt.Errorf("%w: dial tcp: refused", ErrUnavailable)
}

func (downBackend) FetchForm(context.Context, string, string) (domain.EntityRecord, error) {
	return nil, fmt.Errorf("%w: dial tcp: refused", ErrUnavailable)
}

func (downBackend) SaveForm(context.Context, string, string, map[string]string, bool) (domain.EntityRecord, error) {
	return nil, fmt.Errorf("%w: dial tcp: refused", ErrUnavailable)
}

func TestFallbackTripsOnUnavailable(t *testing.T) {
	f := NewFallback(downBackend{})
	if f.UsingFallback() {
		t.Fatalf("fallback should start inactive")
	}
	rec, err := f.FetchEntity(context.Background(), "C-1001")
	if err != nil {
		t.Fatalf("fallback fetch: %v", err)
	}
	if rec["first_name"] != "Maria" {
		t.Fatalf("expected canned record, got %v", rec)
	}
	if !f.UsingFallback() {
		t.Fatalf("fallback should have tripped")
	}
}

func TestFallbackSynthesizesUnknownEntity(t *testing.T) {
	f := NewFallback(downBackend{})
	rec, err := f.FetchEntity(context.Background(), "C-8888")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if rec["last_name"] != "(C-8888)" {
		t.Fatalf("expected synthesized shell, got %v", rec)
	}
}

func TestFallbackPassesNotFoundThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":"not_found"}}`, http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFallback(NewClient(srv.URL))
	if _, err := f.FetchEntity(context.Background(), "C-9999"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("NotFound is a valid answer and must pass through, got %v", err)
	}
	if f.UsingFallback() {
		t.Fatalf("a 404 must not trip the fallback")
	}
}

func TestFallbackStaysTrippedForSession(t *testing.T) {
	f := NewFallback(downBackend{})
	if _, err := f.SaveForm(context.Background(), "C-1001", "consent", map[string]string{"a": "1"}, false); err != nil {
		t.Fatalf("save via fallback: %v", err)
	}
	// Later calls keep using the mock without consulting the live backend.
	form, err := f.FetchForm(context.Background(), "C-1001", "consent")
	if err != nil {
		t.Fatalf("fetch form after trip: %v", err)
	}
	if form["a"] != "1" {
		t.Fatalf("fallback mock should retain its own saves: %v", form)
	}
}

func TestClientMapsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v0/entities/C-404":
			http.Error(w, "nope", http.StatusNotFound)
		case "/v0/entities/C-409/forms/consent":
			http.Error(w, "moved", http.StatusConflict)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if _, err := c.FetchEntity(context.Background(), "C-404"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if _, err := c.SaveForm(context.Background(), "C-409", "consent", map[string]string{"a": "1"}, false); !errors.Is(err, ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
}

func TestClientUnreachableIsUnavailable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	if _, err := c.FetchEntity(context.Background(), "C-1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
}
