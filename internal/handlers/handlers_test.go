package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/freshell/freshell/internal/registry"
)

type fakeDirectory struct {
	infos  map[string]registry.Info
	killed []string
}

func (f *fakeDirectory) List() []registry.Info {
	out := make([]registry.Info, 0, len(f.infos))
	for _, info := range f.infos {
		out = append(out, info)
	}
	return out
}

func (f *fakeDirectory) Get(id string) (registry.Info, bool) {
	info, ok := f.infos[id]
	return info, ok
}

func (f *fakeDirectory) Kill(id string) error {
	if _, ok := f.infos[id]; !ok {
		return registry.ErrNotFound
	}
	f.killed = append(f.killed, id)
	return nil
}

func testRouter(dir *fakeDirectory) http.Handler {
	TermRegistry = dir
	DB = nil
	r := chi.NewRouter()
	r.Get("/health", HealthCheck)
	r.Get("/api/v1/terminals", ListTerminals)
	r.Get("/api/v1/terminals/{id}", GetTerminal)
	r.Delete("/api/v1/terminals/{id}", KillTerminal)
	return r
}

const testID = "11111111-1111-1111-1111-111111111111"

func seededDirectory() *fakeDirectory {
	return &fakeDirectory{infos: map[string]registry.Info{
		testID: {
			ID:             testID,
			Mode:           "shell",
			Status:         registry.StatusRunning,
			CreatedAt:      time.Now(),
			LastActivityAt: time.Now(),
		},
	}}
}

func doRequest(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := doRequest(t, testRouter(seededDirectory()), http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("health status: got %v", body["status"])
	}
	if body["terminals"].(float64) != 1 {
		t.Fatalf("terminal count: got %v", body["terminals"])
	}
}

func TestListTerminals(t *testing.T) {
	rec := doRequest(t, testRouter(seededDirectory()), http.MethodGet, "/api/v1/terminals")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	var body struct {
		Terminals []terminalJSON `json:"terminals"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if len(body.Terminals) != 1 || body.Terminals[0].TerminalID != testID {
		t.Fatalf("terminals: got %+v", body.Terminals)
	}
}

func TestGetTerminal(t *testing.T) {
	h := testRouter(seededDirectory())

	rec := doRequest(t, h, http.MethodGet, "/api/v1/terminals/"+testID)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/v1/terminals/22222222-2222-2222-2222-222222222222")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id status: got %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/v1/terminals/not!valid")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid id status: got %d", rec.Code)
	}
}

func TestKillTerminal(t *testing.T) {
	dir := seededDirectory()
	h := testRouter(dir)

	rec := doRequest(t, h, http.MethodDelete, "/api/v1/terminals/"+testID)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status: got %d", rec.Code)
	}
	if len(dir.killed) != 1 || dir.killed[0] != testID {
		t.Fatalf("killed: got %v", dir.killed)
	}

	rec = doRequest(t, h, http.MethodDelete, "/api/v1/terminals/33333333-3333-3333-3333-333333333333")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id status: got %d", rec.Code)
	}
}

func TestExitedTerminalCarriesExitCode(t *testing.T) {
	dir := seededDirectory()
	dir.infos[testID] = registry.Info{
		ID:       testID,
		Mode:     "shell",
		Status:   registry.StatusExited,
		ExitCode: 2,
	}
	rec := doRequest(t, testRouter(dir), http.MethodGet, "/api/v1/terminals/"+testID)
	var body terminalJSON
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body: %v", err)
	}
	if body.ExitCode == nil || *body.ExitCode != 2 {
		t.Fatalf("exit code: got %v", body.ExitCode)
	}
}
