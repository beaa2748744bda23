package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	logx "pipewatch/pkg/logx"
)

type memHistory struct {
	mu      sync.Mutex
	entries []HistoryEntry
}

func (h *memHistory) AppendHistory(_ context.Context, e HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	return nil
}

func (h *memHistory) all() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HistoryEntry(nil), h.entries...)
}

func discordTarget(url string) Target {
	return Target{
		Rule:    Rule{ID: 1, Name: "r", Enabled: true},
		Channel: Channel{Type: ChannelDiscord, Enabled: true, Config: map[string]string{"webhook_url": url}},
	}
}

func TestDispatchSuccessRecordsHistory(t *testing.T) {
	t.Parallel()

	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hist := &memHistory{}
	d := NewDispatcher(DispatcherConfig{RatePerSec: 100}, hist, nil, logx.Nop())

	e := Event{ProjectName: "api", PipelineID: 7, Status: "failed"}
	out := d.Dispatch(context.Background(), discordTarget(srv.URL), e)
	if !out.Sent || out.Error != "" {
		t.Fatalf("outcome = %+v, want sent", out)
	}
	if got["content"] == "" {
		t.Fatal("discord endpoint did not receive content")
	}

	entries := hist.all()
	if len(entries) != 1 {
		t.Fatalf("history rows = %d, want 1", len(entries))
	}
	h := entries[0]
	if !h.Sent || h.Error != "" || h.Channel != "discord" || h.PipelineID != 7 || h.Status != "failed" {
		t.Fatalf("unexpected history row: %+v", h)
	}
}

func TestDispatchFailureRecordsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	hist := &memHistory{}
	d := NewDispatcher(DispatcherConfig{RatePerSec: 100}, hist, nil, logx.Nop())

	out := d.Dispatch(context.Background(), discordTarget(srv.URL), Event{PipelineID: 1, Status: "failed"})
	if out.Sent {
		t.Fatal("expected failed outcome")
	}
	if !strings.Contains(out.Error, "discord webhook returned status 500") {
		t.Fatalf("error = %q, want channel-specific status error", out.Error)
	}

	entries := hist.all()
	if len(entries) != 1 {
		t.Fatalf("history rows = %d, want 1 (failures are recorded too)", len(entries))
	}
	if entries[0].Sent || entries[0].Error == "" {
		t.Fatalf("unexpected history row: %+v", entries[0])
	}
}

func TestDispatchSlackShape(t *testing.T) {
	t.Parallel()

	var body struct {
		Text   string           `json:"text"`
		Blocks []map[string]any `json:"blocks"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(DispatcherConfig{RatePerSec: 100}, &memHistory{}, nil, logx.Nop())
	tg := Target{
		Rule:    Rule{ID: 1},
		Channel: Channel{Type: ChannelSlack, Enabled: true, Config: map[string]string{"webhook_url": srv.URL}},
	}
	out := d.Dispatch(context.Background(), tg, Event{ProjectName: "api", PipelineID: 3, Status: "success"})
	if !out.Sent {
		t.Fatalf("outcome = %+v, want sent", out)
	}
	if body.Text == "" || len(body.Blocks) != 1 {
		t.Fatalf("slack payload shape wrong: %+v", body)
	}
}

func TestDispatchAllIsolatesFailures(t *testing.T) {
	t.Parallel()

	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer okSrv.Close()
	badSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer badSrv.Close()

	hist := &memHistory{}
	d := NewDispatcher(DispatcherConfig{RatePerSec: 100}, hist, nil, logx.Nop())

	targets := []Target{discordTarget(badSrv.URL), discordTarget(okSrv.URL)}
	sent, failed := d.DispatchAll(context.Background(), Event{PipelineID: 2, Status: "failed"}, targets)
	if sent != 1 || failed != 1 {
		t.Fatalf("sent=%d failed=%d, want 1/1", sent, failed)
	}
	if got := len(hist.all()); got != 2 {
		t.Fatalf("history rows = %d, want 2", got)
	}
}

func TestDispatchMisconfiguredChannels(t *testing.T) {
	t.Parallel()

	hist := &memHistory{}
	d := NewDispatcher(DispatcherConfig{RatePerSec: 100}, hist, nil, logx.Nop())

	tests := []struct {
		name    string
		channel Channel
		errPart string
	}{
		{
			name:    "telegram without token",
			channel: Channel{Type: ChannelTelegram, Config: map[string]string{"chat_id": "1"}},
			errPart: "bot_token",
		},
		{
			name:    "telegram bad chat id",
			channel: Channel{Type: ChannelTelegram, Config: map[string]string{"bot_token": "t", "chat_id": "abc"}},
			errPart: "chat_id",
		},
		{
			name:    "slack without url",
			channel: Channel{Type: ChannelSlack, Config: map[string]string{}},
			errPart: "webhook_url",
		},
		{
			name:    "unknown type",
			channel: Channel{Type: ChannelType("pager"), Config: map[string]string{}},
			errPart: "unsupported channel type",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			out := d.Dispatch(context.Background(), Target{Channel: tt.channel}, Event{PipelineID: 1, Status: "failed"})
			if out.Sent {
				t.Fatal("expected failure")
			}
			if !strings.Contains(out.Error, tt.errPart) {
				t.Fatalf("error = %q, want it to mention %q", out.Error, tt.errPart)
			}
		})
	}

	// Every misconfigured attempt still produced a history row.
	if got := len(hist.all()); got != len(tests) {
		t.Fatalf("history rows = %d, want %d", got, len(tests))
	}
}
