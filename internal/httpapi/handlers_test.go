package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/impulseguard/impulsed/internal/memory"
	"github.com/impulseguard/impulsed/internal/pipeline"
	"github.com/impulseguard/impulsed/internal/scoring"
)

type stubStore struct {
	files     map[memory.FileName]string
	resetErr  error
	resetHits int
}

func newStubStore() *stubStore {
	return &stubStore{files: map[memory.FileName]string{
		memory.FileGoals:    memory.Template(memory.FileGoals),
		memory.FileBudget:   memory.Template(memory.FileBudget),
		memory.FileState:    memory.Template(memory.FileState),
		memory.FileBehavior: memory.Template(memory.FileBehavior),
	}}
}

func (s *stubStore) Read(name memory.FileName) (string, error) { return s.files[name], nil }
func (s *stubStore) Exists(name memory.FileName) bool          { _, ok := s.files[name]; return ok }
func (s *stubStore) Write(name memory.FileName, content string) error {
	s.files[name] = content
	return nil
}
func (s *stubStore) Reset() error {
	s.resetHits++
	if s.resetErr != nil {
		return s.resetErr
	}
	for name := range s.files {
		s.files[name] = memory.Template(name)
	}
	return nil
}

type stubIndexer struct {
	reindexCalls int
	count        int
	reindexErr   error
}

func (i *stubIndexer) Reindex(ctx context.Context, contents map[memory.FileName]string) error {
	i.reindexCalls++
	if i.reindexErr != nil {
		return i.reindexErr
	}
	i.count = len(contents)
	return nil
}
func (i *stubIndexer) Count(ctx context.Context) (int, error) { return i.count, nil }

type stubMutator struct{ reports []memory.ConsolidationReport }

func (m *stubMutator) Consolidate(ctx context.Context) []memory.ConsolidationReport { return m.reports }

func newTestServer() (*Server, *stubStore, *stubIndexer) {
	store := newStubStore()
	idx := &stubIndexer{}
	orch := &pipeline.Orchestrator{
		Baselines:     scoring.DefaultBaselines(),
		Prior:         scoring.DefaultPrior,
		WeightProfile: scoring.ProfileBehaviorOnly,
		Reader:        store,
	}
	s := &Server{
		Orchestrator: orch,
		Store:        store,
		Index:        idx,
		Mutator:      &stubMutator{},
	}
	return s, store, idx
}

func doRequest(h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var r *http.Request
	if body != nil {
		b, _ := json.Marshal(body)
		r = httptest.NewRequest(method, path, bytes.NewReader(b))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestHandleAnalyzeFallsBackWithoutReasoner(t *testing.T) {
	s, _, _ := newTestServer()
	w := doRequest(s.Handler(), http.MethodPost, "/v1/analyze", analyzeRequest{
		Product: "espresso machine", Cost: 249.99, Website: "amazon.com", SystemHour: 14,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp pipeline.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Confidence != 0.3 {
		t.Errorf("Confidence = %v, want 0.3 (no reasoner configured)", resp.Confidence)
	}
}

func TestHandleAnalyzeRejectsMissingProduct(t *testing.T) {
	s, _, _ := newTestServer()
	w := doRequest(s.Handler(), http.MethodPost, "/v1/analyze", analyzeRequest{Cost: 10})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	var resp errorResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Error.Code != "missing_field" {
		t.Errorf("Error.Code = %q, want missing_field", resp.Error.Code)
	}
}

func TestHandleAnalyzeRejectsNegativeCost(t *testing.T) {
	s, _, _ := newTestServer()
	w := doRequest(s.Handler(), http.MethodPost, "/v1/analyze", analyzeRequest{Product: "x", Cost: -1})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleAnalyzeRejectsBadJSON(t *testing.T) {
	s, _, _ := newTestServer()
	r := httptest.NewRequest(http.MethodPost, "/v1/analyze", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleSyncReindexesAllFiles(t *testing.T) {
	s, _, idx := newTestServer()
	w := doRequest(s.Handler(), http.MethodPost, "/v1/sync", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if idx.reindexCalls != 1 {
		t.Errorf("reindexCalls = %d, want 1", idx.reindexCalls)
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if int(resp["indexed_files"].(float64)) != len(memory.Files) {
		t.Errorf("indexed_files = %v, want %d", resp["indexed_files"], len(memory.Files))
	}
}

func TestHandlePreferencesRewritesBudget(t *testing.T) {
	s, store, _ := newTestServer()
	w := doRequest(s.Handler(), http.MethodPost, "/v1/preferences", preferencesRequest{
		Budget: 500, Threshold: 100, Sensitivity: "medium", FinancialGoals: "save for a trip",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if store.files[memory.FileBudget] == memory.Template(memory.FileBudget) {
		t.Error("Budget.md was not rewritten")
	}
}

func TestHandlePreferencesRejectsBadSensitivity(t *testing.T) {
	s, _, _ := newTestServer()
	w := doRequest(s.Handler(), http.MethodPost, "/v1/preferences", preferencesRequest{
		Budget: 500, Threshold: 100, Sensitivity: "extreme",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleResetRewritesTemplatesAndReindexes(t *testing.T) {
	s, store, idx := newTestServer()
	store.files[memory.FileBudget] = "mutated content"

	w := doRequest(s.Handler(), http.MethodPost, "/v1/reset", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if int(resp["files_reset"].(float64)) != 4 {
		t.Errorf("files_reset = %v, want 4", resp["files_reset"])
	}
	if store.files[memory.FileBudget] != memory.Template(memory.FileBudget) {
		t.Error("Budget.md was not restored to its template")
	}
	if idx.reindexCalls != 1 {
		t.Errorf("reindexCalls = %d, want 1", idx.reindexCalls)
	}
}

func TestHandleConsolidateReturnsReports(t *testing.T) {
	s, _, _ := newTestServer()
	s.Mutator = &stubMutator{reports: []memory.ConsolidationReport{
		{File: memory.FileBehavior, Status: memory.ConsolidationConsolidated},
		{File: memory.FileState, Status: memory.ConsolidationSkipped},
	}}
	w := doRequest(s.Handler(), http.MethodPost, "/v1/consolidate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestHandleHealthReportsIndexedAndAvailability(t *testing.T) {
	s, _, idx := newTestServer()
	idx.count = 12
	s.SetLLMAvailable(true)

	w := doRequest(s.Handler(), http.MethodGet, "/v1/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["memory_indexed"] != true {
		t.Errorf("memory_indexed = %v, want true", resp["memory_indexed"])
	}
	if int(resp["collection_count"].(float64)) != 12 {
		t.Errorf("collection_count = %v, want 12", resp["collection_count"])
	}
	if resp["llm_available"] != true {
		t.Errorf("llm_available = %v, want true", resp["llm_available"])
	}
}
