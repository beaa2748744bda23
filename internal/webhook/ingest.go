package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"pipewatch/internal/alerts"
	"pipewatch/internal/cache"
	"pipewatch/internal/eventbus"
	"pipewatch/internal/storage"
	logx "pipewatch/pkg/logx"
)

const (
	cacheKeyRules    = "rules"
	cacheKeyChannels = "channels"

	maxBodyBytes = 1 << 20
)

// Ingestor turns inbound GitLab pipeline webhooks into status upserts
// and alert dispatches.
//
// The previous status is looked up only for logging the transition; it
// never gates dispatch, so a replayed webhook with an unchanged status
// re-matches rules and can re-send. That mirrors GitLab's own at-least-
// once webhook delivery.
type Ingestor struct {
	store      storage.Store
	dispatcher *alerts.Dispatcher
	bus        eventbus.Bus
	log        logx.Logger

	rules    *cache.TTL[[]alerts.Rule]
	channels *cache.TTL[[]alerts.Channel]
}

func NewIngestor(store storage.Store, d *alerts.Dispatcher, bus eventbus.Bus, cacheTTL time.Duration, log logx.Logger) *Ingestor {
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ingestor{
		store:      store,
		dispatcher: d,
		bus:        bus,
		log:        log,
		rules:      cache.New[[]alerts.Rule](cacheTTL),
		channels:   cache.New[[]alerts.Channel](cacheTTL),
	}
}

// InvalidateCaches drops the cached rule/channel sets. Rule and channel
// CRUD paths call this so edits take effect before the TTL lapses.
func (in *Ingestor) InvalidateCaches() {
	in.rules.Invalidate()
	in.channels.Invalidate()
}

// ServeHTTP handles POST /webhook/gitlab.
func (in *Ingestor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var ev pipelineEvent
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil || json.Unmarshal(body, &ev) != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	if ev.ObjectKind != "pipeline" {
		in.log.Debug("ignoring non-pipeline webhook", logx.String("kind", ev.ObjectKind))
		writeJSON(w, http.StatusOK, map[string]string{"message": "Not a pipeline event"})
		return
	}

	if err := in.process(r.Context(), &ev); err != nil {
		in.log.Error("webhook processing failed",
			logx.Int64("project", ev.Project.ID),
			logx.Int64("pipeline", ev.ObjectAttributes.ID),
			logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to process webhook"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "processed"})
}

// process runs the RECEIVED → STATUS_UPSERTED → RULES_LOADED → dispatch
// sequence. Persistence errors escalate; dispatch errors never do.
func (in *Ingestor) process(ctx context.Context, ev *pipelineEvent) error {
	event := ev.toAlertEvent()

	// Transition logging only; absence or a read error changes nothing.
	if prev, ok, err := in.store.GetPipelineStatus(ctx, event.ProjectID, event.PipelineID); err != nil {
		in.log.Warn("previous status lookup failed", logx.Err(err))
	} else if ok && prev.Status != event.Status {
		in.log.Info("pipeline status changed",
			logx.Int64("project", event.ProjectID),
			logx.Int64("pipeline", event.PipelineID),
			logx.String("from", prev.Status),
			logx.String("to", event.Status))
	}

	if err := in.store.UpsertPipelineStatus(ctx, storage.PipelineStatus{
		ProjectID:   event.ProjectID,
		PipelineID:  event.PipelineID,
		ProjectName: event.ProjectName,
		Status:      event.Status,
		Ref:         event.Ref,
		WebURL:      event.WebURL,
		UpdatedAt:   time.Now(),
	}); err != nil {
		return err
	}

	if in.bus != nil {
		in.bus.Publish(eventbus.Event{Type: eventbus.TypePipelineStatus, Data: event})
	}

	rules, err := in.rules.Get(cacheKeyRules, func() ([]alerts.Rule, error) {
		return in.store.ListRules(ctx, true)
	})
	if err != nil {
		return err
	}
	channels, err := in.channels.Get(cacheKeyChannels, func() ([]alerts.Channel, error) {
		return in.store.ListChannels(ctx, true)
	})
	if err != nil {
		return err
	}

	targets := alerts.Match(event, rules, channels, in.log)
	if len(targets) == 0 {
		return nil
	}

	sent, failed := in.dispatcher.DispatchAll(ctx, event, targets)
	in.log.Info("alerts dispatched",
		logx.Int64("project", event.ProjectID),
		logx.Int64("pipeline", event.PipelineID),
		logx.String("status", event.Status),
		logx.Int("sent", sent),
		logx.Int("failed", failed))
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
