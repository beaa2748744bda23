// Package poller periodically fetches the latest pipeline of each
// configured project. It covers projects whose webhooks are missing or
// were lost; polls run at low throttle priority so interactive reads
// always win.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pipewatch/internal/eventbus"
	"pipewatch/internal/gitlab"
	"pipewatch/internal/storage"
	"pipewatch/internal/throttle"
	logx "pipewatch/pkg/logx"
)

type Config struct {
	Enabled  bool
	Schedule string
	Projects []int64
}

type Poller struct {
	gl    *gitlab.Client
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger

	mu   sync.Mutex
	cfg  Config
	cron *cron.Cron
}

func New(cfg Config, gl *gitlab.Client, store storage.Store, bus eventbus.Bus, log logx.Logger) *Poller {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{cfg: cfg, gl: gl, store: store, bus: bus, log: log.With(logx.String("comp", "poller"))}
}

// Start is idempotent; it schedules the poll job when enabled.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startLocked()
}

func (p *Poller) startLocked() {
	if !p.cfg.Enabled || p.cron != nil {
		return
	}
	c := cron.New()
	if _, err := c.AddFunc(p.cfg.Schedule, p.pollOnce); err != nil {
		p.log.Error("invalid poll schedule", logx.String("schedule", p.cfg.Schedule), logx.Err(err))
		return
	}
	p.cron = c
	c.Start()
	p.log.Info("poller started", logx.String("schedule", p.cfg.Schedule), logx.Int("projects", len(p.cfg.Projects)))
}

func (p *Poller) Stop() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
		p.log.Info("poller stopped")
	}
}

// Apply restarts the schedule when it changed.
func (p *Poller) Apply(cfg Config) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	p.mu.Lock()
	changed := cfg.Enabled != p.cfg.Enabled || cfg.Schedule != p.cfg.Schedule
	p.cfg = cfg
	c := p.cron
	if changed {
		p.cron = nil
	}
	p.mu.Unlock()

	if !changed {
		return
	}
	if c != nil {
		<-c.Stop().Done()
	}
	p.mu.Lock()
	p.startLocked()
	p.mu.Unlock()
}

func (p *Poller) pollOnce() {
	p.mu.Lock()
	projects := append([]int64(nil), p.cfg.Projects...)
	p.mu.Unlock()
	if len(projects) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	for _, id := range projects {
		pl, ok, err := p.gl.LatestPipeline(ctx, id, throttle.PriorityLow)
		if err != nil {
			p.log.Warn("poll failed", logx.Int64("project", id), logx.Err(err))
			continue
		}
		if !ok {
			continue
		}

		ps := storage.PipelineStatus{
			ProjectID:  id,
			PipelineID: pl.ID,
			Status:     pl.Status,
			Ref:        pl.Ref,
			WebURL:     pl.WebURL,
			UpdatedAt:  time.Now(),
		}
		if err := p.store.UpsertPipelineStatus(ctx, ps); err != nil {
			p.log.Warn("poll upsert failed", logx.Int64("project", id), logx.Err(err))
			continue
		}
		if p.bus != nil {
			p.bus.Publish(eventbus.Event{Type: eventbus.TypePipelineStatus, Data: ps})
		}
	}
}
