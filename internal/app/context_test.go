package app_test

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"testing"

	"intakeline/internal/app"
	"intakeline/internal/config"
	"intakeline/internal/db"
	"intakeline/internal/domain"
	"intakeline/internal/events"
	"intakeline/internal/migrate"
	"intakeline/internal/repo"
	"intakeline/internal/server"
)

// startBackend runs the reference API on a random port over a fresh
// database and returns its base URL plus the repo for direct assertions.
func startBackend(t *testing.T) (string, repo.Repo) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	handler, err := server.New(server.Config{DB: conn, Repo: r, Events: events.Writer{DB: conn}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return "http://" + ln.Addr().String(), r
}

func writeLiveConfig(t *testing.T, dir, baseURL string) {
	t.Helper()
	content := fmt.Sprintf(`mode: live
base_url: %s
allow_fallback: false
cache_ttl: 30m
remote_timeout: 5s
autosave:
  interval: 30s
  every_n: 0
`, baseURL)
	if err := os.WriteFile(config.Path(dir), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLiveRoundTripAcrossProcesses(t *testing.T) {
	baseURL, r := startBackend(t)
	ctx := context.Background()
	if err := r.InsertEntity(ctx, repo.Entity{
		ID:        "C-1",
		Fields:    domain.EntityRecord{"first_name": "Maria", "last_name": "Alvarez"},
		CreatedAt: "2026-03-01T09:00:00Z",
		UpdatedAt: "2026-03-01T09:00:00Z",
	}); err != nil {
		t.Fatalf("seed entity: %v", err)
	}

	dir := t.TempDir()
	writeLiveConfig(t, dir, baseURL)

	env, err := app.Open(dir, nil)
	if err != nil {
		t.Fatalf("open env: %v", err)
	}

	ref, err := env.Resolver.Resolve(ctx, "C-1", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !ref.RecordKnown {
		t.Fatalf("record should be fetched during resolution")
	}

	if _, err := env.Engine.Load(ctx, ref, "consent"); err != nil {
		t.Fatalf("load: %v", err)
	}
	for _, s := range []string{"purpose", "risks", "benefits", "alternatives", "confidentiality", "contact"} {
		env.Engine.Visit("C-1", "consent", s)
	}
	env.Engine.Update("C-1", "consent", map[string]string{"signature": "Maria Alvarez"})

	d, err := env.Engine.Save(ctx, "C-1", "consent")
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if d.Dirty {
		t.Fatalf("draft should be clean after save")
	}

	form, err := r.GetForm(ctx, "C-1", "consent")
	if err != nil {
		t.Fatalf("form not persisted server-side: %v", err)
	}
	if form.Fields["signature"] != "Maria Alvarez" {
		t.Fatalf("saved fields mismatch: %v", form.Fields)
	}
	if err := env.Close(); err != nil {
		t.Fatalf("close env: %v", err)
	}

	// A second process over the same session directory sees the persisted
	// draft and the still-valid cache entry.
	env2, err := app.Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen env: %v", err)
	}
	defer env2.Close()
	if err := env2.Rehydrate("C-1", "consent"); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	d2 := env2.Drafts.Read("C-1", "consent")
	if d2.Dirty || d2.Fields["signature"] != "Maria Alvarez" {
		t.Fatalf("rehydrated draft mismatch: %+v", d2)
	}
	if !env2.Cache.IsValid("C-1") {
		t.Fatalf("cache entry should survive the process boundary")
	}
	if id, _ := env2.Session.CurrentEntity(); id != "C-1" {
		t.Fatalf("ambient entity should persist, got %q", id)
	}
}

func TestMockModeWorksOffline(t *testing.T) {
	dir := t.TempDir()
	env, err := app.Open(dir, nil)
	if err != nil {
		t.Fatalf("open env: %v", err)
	}
	defer env.Close()
	if env.Config.Mode != config.ModeMock {
		t.Fatalf("default mode should be mock")
	}

	ref, err := env.Resolver.Resolve(context.Background(), "C-1001", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	d, err := env.Engine.Load(context.Background(), ref, "consent")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if d.Fields["first_name"] != "Maria" {
		t.Fatalf("canned entity expected, got %v", d.Fields)
	}
}
