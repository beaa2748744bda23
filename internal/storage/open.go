package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"pipewatch/internal/alerts"
	logx "pipewatch/pkg/logx"
)

// Store is the persistence API used by the ingest/dispatch pipeline and
// the HTTP API.
type Store interface {
	UpsertPipelineStatus(ctx context.Context, ps PipelineStatus) error
	GetPipelineStatus(ctx context.Context, projectID, pipelineID int64) (PipelineStatus, bool, error)
	ListPipelineStatuses(ctx context.Context, limit int) ([]PipelineStatus, error)

	SaveRule(ctx context.Context, r alerts.Rule) (int64, error)
	DeleteRule(ctx context.Context, id int64) error
	ListRules(ctx context.Context, enabledOnly bool) ([]alerts.Rule, error)

	SaveChannel(ctx context.Context, c alerts.Channel) error
	ListChannels(ctx context.Context, enabledOnly bool) ([]alerts.Channel, error)

	AppendHistory(ctx context.Context, e alerts.HistoryEntry) error
	ListHistory(ctx context.Context, limit int) ([]alerts.HistoryEntry, error)
	PurgeHistory(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}

// Open initializes the configured store. A missing or "none" driver
// yields a no-op store, so callers never hold a nil interface.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return disabledStore{}, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// disabledStore stands in when persistence is turned off: writes are
// dropped, reads come back empty, and rule/channel mutations report
// ErrDisabled so the API surfaces the missing backend.
type disabledStore struct{}

func (disabledStore) UpsertPipelineStatus(context.Context, PipelineStatus) error { return nil }

func (disabledStore) GetPipelineStatus(context.Context, int64, int64) (PipelineStatus, bool, error) {
	return PipelineStatus{}, false, nil
}

func (disabledStore) ListPipelineStatuses(context.Context, int) ([]PipelineStatus, error) {
	return nil, nil
}

func (disabledStore) SaveRule(context.Context, alerts.Rule) (int64, error) { return 0, ErrDisabled }
func (disabledStore) DeleteRule(context.Context, int64) error              { return ErrDisabled }

func (disabledStore) ListRules(context.Context, bool) ([]alerts.Rule, error) { return nil, nil }

func (disabledStore) SaveChannel(context.Context, alerts.Channel) error { return ErrDisabled }

func (disabledStore) ListChannels(context.Context, bool) ([]alerts.Channel, error) {
	return nil, nil
}

func (disabledStore) AppendHistory(context.Context, alerts.HistoryEntry) error { return nil }

func (disabledStore) ListHistory(context.Context, int) ([]alerts.HistoryEntry, error) {
	return nil, nil
}

func (disabledStore) PurgeHistory(context.Context, time.Time) (int64, error) { return 0, nil }

func (disabledStore) Close() error { return nil }
