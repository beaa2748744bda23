// Package gitlab is a minimal GitLab REST (v4) client. Every request is
// routed through the shared throttler so interactive reads and background
// polls compete for one API budget by priority.
package gitlab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pipewatch/internal/throttle"
	logx "pipewatch/pkg/logx"
)

type Config struct {
	BaseURL string
	Token   string
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	th      *throttle.Throttler
	log     logx.Logger
}

func New(cfg Config, th *throttle.Throttler, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("gitlab base url is empty")
	}
	if th == nil {
		return nil, errors.New("gitlab throttler is nil")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		baseURL: base,
		token:   cfg.Token,
		http:    &http.Client{Timeout: 15 * time.Second},
		th:      th,
		log:     log,
	}, nil
}

// Project is the subset of the GitLab project payload the dashboard uses.
type Project struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	PathWithNamespace string `json:"path_with_namespace"`
	WebURL            string `json:"web_url"`
}

// Pipeline is the subset of the GitLab pipeline payload the dashboard uses.
type Pipeline struct {
	ID        int64      `json:"id"`
	ProjectID int64      `json:"project_id"`
	Status    string     `json:"status"`
	Ref       string     `json:"ref"`
	SHA       string     `json:"sha"`
	WebURL    string     `json:"web_url"`
	CreatedAt *time.Time `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`
}

// StatusError is a non-2xx GitLab response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gitlab: unexpected status %d: %s", e.Code, e.Body)
}

// GetProject fetches one project at interactive priority.
func (c *Client) GetProject(ctx context.Context, id int64) (Project, error) {
	return throttle.Do(ctx, c.th, throttle.PriorityHigh, func(ctx context.Context) (Project, error) {
		var p Project
		err := c.get(ctx, fmt.Sprintf("/projects/%d", id), nil, &p)
		return p, err
	})
}

// ListProjects fetches projects the token is a member of.
func (c *Client) ListProjects(ctx context.Context, perPage int) ([]Project, error) {
	if perPage <= 0 {
		perPage = 20
	}
	q := url.Values{"membership": {"true"}, "per_page": {fmt.Sprint(perPage)}, "order_by": {"last_activity_at"}}
	return throttle.Do(ctx, c.th, throttle.PriorityHigh, func(ctx context.Context) ([]Project, error) {
		var ps []Project
		err := c.get(ctx, "/projects", q, &ps)
		return ps, err
	})
}

// ListPipelines fetches recent pipelines for a project at the given
// priority (pollers pass throttle.PriorityLow).
func (c *Client) ListPipelines(ctx context.Context, projectID int64, perPage, priority int) ([]Pipeline, error) {
	if perPage <= 0 {
		perPage = 20
	}
	q := url.Values{"per_page": {fmt.Sprint(perPage)}}
	return throttle.Do(ctx, c.th, priority, func(ctx context.Context) ([]Pipeline, error) {
		var ps []Pipeline
		err := c.get(ctx, fmt.Sprintf("/projects/%d/pipelines", projectID), q, &ps)
		return ps, err
	})
}

// LatestPipeline returns the most recent pipeline of a project, or
// ok=false when the project has none.
func (c *Client) LatestPipeline(ctx context.Context, projectID int64, priority int) (Pipeline, bool, error) {
	ps, err := c.ListPipelines(ctx, projectID, 1, priority)
	if err != nil {
		return Pipeline{}, false, err
	}
	if len(ps) == 0 {
		return Pipeline{}, false, nil
	}
	return ps[0], true, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + "/api/v4" + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("PRIVATE-TOKEN", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
