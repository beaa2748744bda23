package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"pipewatch/internal/alerts"
	"pipewatch/internal/gitlab"
	"pipewatch/internal/storage"
	"pipewatch/internal/throttle"
	logx "pipewatch/pkg/logx"
)

// upsertStore records pipeline status writes and ignores everything else.
type upsertStore struct {
	mu      sync.Mutex
	upserts []storage.PipelineStatus
	fail    map[int64]bool
}

func (s *upsertStore) UpsertPipelineStatus(_ context.Context, ps storage.PipelineStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[ps.ProjectID] {
		return errors.New("db down")
	}
	s.upserts = append(s.upserts, ps)
	return nil
}

func (s *upsertStore) GetPipelineStatus(context.Context, int64, int64) (storage.PipelineStatus, bool, error) {
	return storage.PipelineStatus{}, false, nil
}
func (s *upsertStore) ListPipelineStatuses(context.Context, int) ([]storage.PipelineStatus, error) {
	return nil, nil
}
func (s *upsertStore) SaveRule(context.Context, alerts.Rule) (int64, error)      { return 0, nil }
func (s *upsertStore) DeleteRule(context.Context, int64) error                   { return nil }
func (s *upsertStore) ListRules(context.Context, bool) ([]alerts.Rule, error)    { return nil, nil }
func (s *upsertStore) SaveChannel(context.Context, alerts.Channel) error         { return nil }
func (s *upsertStore) ListChannels(context.Context, bool) ([]alerts.Channel, error) {
	return nil, nil
}
func (s *upsertStore) AppendHistory(context.Context, alerts.HistoryEntry) error { return nil }
func (s *upsertStore) ListHistory(context.Context, int) ([]alerts.HistoryEntry, error) {
	return nil, nil
}
func (s *upsertStore) PurgeHistory(context.Context, time.Time) (int64, error) { return 0, nil }
func (s *upsertStore) Close() error                                           { return nil }

func newPollerWithServer(t *testing.T, store *upsertStore, projects []int64, handler http.Handler) *Poller {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	th := throttle.New(throttle.Config{MaxRequests: 100, Window: time.Minute}, logx.Nop())
	t.Cleanup(th.Stop)

	gl, err := gitlab.New(gitlab.Config{BaseURL: srv.URL}, th, logx.Nop())
	if err != nil {
		t.Fatalf("gitlab client: %v", err)
	}
	return New(Config{Enabled: true, Schedule: "@every 1h", Projects: projects}, gl, store, nil, logx.Nop())
}

func TestPollOnceUpsertsLatestPipeline(t *testing.T) {
	t.Parallel()

	store := &upsertStore{}
	p := newPollerWithServer(t, store, []int64{7, 8}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v4/projects/7/pipelines":
			_ = json.NewEncoder(w).Encode([]gitlab.Pipeline{{ID: 100, ProjectID: 7, Status: "failed", Ref: "main"}})
		case "/api/v4/projects/8/pipelines":
			_ = json.NewEncoder(w).Encode([]gitlab.Pipeline{})
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))

	p.pollOnce()

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.upserts) != 1 {
		t.Fatalf("upserts = %d, want 1 (empty project skipped)", len(store.upserts))
	}
	ps := store.upserts[0]
	if ps.ProjectID != 7 || ps.PipelineID != 100 || ps.Status != "failed" {
		t.Fatalf("upsert = %+v", ps)
	}
}

func TestPollOnceIsolatesProjectFailures(t *testing.T) {
	t.Parallel()

	store := &upsertStore{}
	p := newPollerWithServer(t, store, []int64{1, 2, 3}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v4/projects/2/pipelines" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		var id int64
		_, _ = fmt.Sscanf(r.URL.Path, "/api/v4/projects/%d/pipelines", &id)
		_ = json.NewEncoder(w).Encode([]gitlab.Pipeline{{ID: id * 10, ProjectID: id, Status: "success"}})
	}))

	p.pollOnce()

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.upserts) != 2 {
		t.Fatalf("upserts = %d, want 2 (failing project skipped)", len(store.upserts))
	}
}

func TestApplyRestartsOnlyOnChange(t *testing.T) {
	t.Parallel()

	store := &upsertStore{}
	p := newPollerWithServer(t, store, nil, http.NotFoundHandler())
	p.Start()
	defer p.Stop()

	p.mu.Lock()
	before := p.cron
	p.mu.Unlock()
	if before == nil {
		t.Fatal("poller did not start")
	}

	// Same schedule, only the project list changed: keep the cron.
	p.Apply(Config{Enabled: true, Schedule: "@every 1h", Projects: []int64{1}})
	p.mu.Lock()
	same := p.cron
	p.mu.Unlock()
	if same != before {
		t.Fatal("unchanged schedule must not restart the cron")
	}

	p.Apply(Config{Enabled: true, Schedule: "@every 2h"})
	p.mu.Lock()
	after := p.cron
	p.mu.Unlock()
	if after == nil || after == before {
		t.Fatal("schedule change must restart the cron")
	}

	p.Apply(Config{Enabled: false})
	p.mu.Lock()
	stopped := p.cron
	p.mu.Unlock()
	if stopped != nil {
		t.Fatal("disabling must stop the cron")
	}
}
