package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pipewatch/internal/alerts"
	logx "pipewatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertPipelineStatus(ctx context.Context, ps PipelineStatus) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if ps.UpdatedAt.IsZero() {
		ps.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_status(project_id, pipeline_id, project_name, status, ref, web_url, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(project_id, pipeline_id) DO UPDATE SET
		   project_name=excluded.project_name,
		   status=excluded.status,
		   ref=excluded.ref,
		   web_url=excluded.web_url,
		   updated_at=excluded.updated_at`,
		ps.ProjectID, ps.PipelineID, ps.ProjectName, ps.Status,
		nullStr(ps.Ref), nullStr(ps.WebURL), ps.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetPipelineStatus(ctx context.Context, projectID, pipelineID int64) (PipelineStatus, bool, error) {
	if s == nil || s.db == nil {
		return PipelineStatus{}, false, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT project_id, pipeline_id, project_name, status, ref, web_url, updated_at
		 FROM pipeline_status WHERE project_id = ? AND pipeline_id = ?`,
		projectID, pipelineID,
	)
	ps, err := scanPipelineStatus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PipelineStatus{}, false, nil
	}
	if err != nil {
		return PipelineStatus{}, false, err
	}
	return ps, true, nil
}

func (s *sqliteStore) ListPipelineStatuses(ctx context.Context, limit int) ([]PipelineStatus, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, pipeline_id, project_name, status, ref, web_url, updated_at
		 FROM pipeline_status ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PipelineStatus
	for rows.Next() {
		ps, err := scanPipelineStatus(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPipelineStatus(r rowScanner) (PipelineStatus, error) {
	var (
		ps          PipelineStatus
		ref, webURL sql.NullString
		updatedAt   string
	)
	if err := r.Scan(&ps.ProjectID, &ps.PipelineID, &ps.ProjectName, &ps.Status, &ref, &webURL, &updatedAt); err != nil {
		return PipelineStatus{}, err
	}
	ps.Ref = ref.String
	ps.WebURL = webURL.String
	ps.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return ps, nil
}

func (s *sqliteStore) SaveRule(ctx context.Context, r alerts.Rule) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	scope := strings.TrimSpace(r.ProjectScope)
	if scope == "" {
		scope = alerts.ScopeAll
	}
	chans, err := json.Marshal(r.Channels)
	if err != nil {
		return 0, err
	}
	if r.ID > 0 {
		_, err := s.db.ExecContext(ctx,
			`UPDATE alert_rules SET name=?, project_scope=?, channels=?,
			   on_success=?, on_failed=?, on_running=?, on_canceled=?, enabled=?
			 WHERE id=?`,
			r.Name, scope, string(chans),
			r.Events.Success, r.Events.Failed, r.Events.Running, r.Events.Canceled, r.Enabled, r.ID,
		)
		return r.ID, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_rules(name, project_scope, channels, on_success, on_failed, on_running, on_canceled, enabled)
		 VALUES(?,?,?,?,?,?,?,?)`,
		r.Name, scope, string(chans),
		r.Events.Success, r.Events.Failed, r.Events.Running, r.Events.Canceled, r.Enabled,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) DeleteRule(ctx context.Context, id int64) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) ListRules(ctx context.Context, enabledOnly bool) ([]alerts.Rule, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT id, name, project_scope, channels, on_success, on_failed, on_running, on_canceled, enabled
	      FROM alert_rules`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alerts.Rule
	for rows.Next() {
		var (
			r     alerts.Rule
			chans string
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.ProjectScope, &chans,
			&r.Events.Success, &r.Events.Failed, &r.Events.Running, &r.Events.Canceled, &r.Enabled); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(chans), &r.Channels); err != nil {
			s.log.Warn("rule has malformed channels json", logx.Int64("rule_id", r.ID), logx.Err(err))
			r.Channels = nil
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveChannel upserts by type: at most one channel config per type.
func (s *sqliteStore) SaveChannel(ctx context.Context, c alerts.Channel) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	cfg, err := json.Marshal(c.Config)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alert_channels(type, enabled, config) VALUES(?,?,?)
		 ON CONFLICT(type) DO UPDATE SET enabled=excluded.enabled, config=excluded.config`,
		string(c.Type), c.Enabled, string(cfg),
	)
	return err
}

func (s *sqliteStore) ListChannels(ctx context.Context, enabledOnly bool) ([]alerts.Channel, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT type, enabled, config FROM alert_channels`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alerts.Channel
	for rows.Next() {
		var (
			c   alerts.Channel
			typ string
			cfg string
		)
		if err := rows.Scan(&typ, &c.Enabled, &cfg); err != nil {
			return nil, err
		}
		c.Type = alerts.ChannelType(typ)
		if err := json.Unmarshal([]byte(cfg), &c.Config); err != nil {
			s.log.Warn("channel has malformed config json", logx.String("type", typ), logx.Err(err))
			c.Config = nil
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendHistory(ctx context.Context, e alerts.HistoryEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_history(project_name, pipeline_id, status, channel, message, sent, err, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		e.ProjectName, e.PipelineID, e.Status, e.Channel, e.Message, e.Sent,
		nullStr(e.Error), e.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) ListHistory(ctx context.Context, limit int) ([]alerts.HistoryEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_name, pipeline_id, status, channel, message, sent, err, created_at
		 FROM alert_history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alerts.HistoryEntry
	for rows.Next() {
		var (
			e         alerts.HistoryEntry
			errStr    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.ProjectName, &e.PipelineID, &e.Status, &e.Channel,
			&e.Message, &e.Sent, &errStr, &createdAt); err != nil {
			return nil, err
		}
		e.Error = errStr.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PurgeHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM alert_history WHERE created_at < ?`, olderThan.Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
