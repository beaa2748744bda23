package webhook

import "pipewatch/internal/alerts"

// pipelineEvent mirrors the subset of GitLab's pipeline webhook payload
// the ingestor reads. Other object kinds reuse the same envelope but are
// ignored after the object_kind check.
type pipelineEvent struct {
	ObjectKind       string `json:"object_kind"`
	ObjectAttributes struct {
		ID         int64  `json:"id"`
		Status     string `json:"status"`
		Ref        string `json:"ref"`
		SHA        string `json:"sha"`
		WebURL     string `json:"web_url"`
		CreatedAt  string `json:"created_at"`
		FinishedAt string `json:"finished_at"`
	} `json:"object_attributes"`
	Project struct {
		ID     int64  `json:"id"`
		Name   string `json:"name"`
		WebURL string `json:"web_url"`
	} `json:"project"`
	User struct {
		Name     string `json:"name"`
		Username string `json:"username"`
	} `json:"user"`
}

func (p *pipelineEvent) toAlertEvent() alerts.Event {
	webURL := p.ObjectAttributes.WebURL
	if webURL == "" && p.Project.WebURL != "" {
		webURL = p.Project.WebURL
	}
	by := p.User.Username
	if by == "" {
		by = p.User.Name
	}
	return alerts.Event{
		ProjectID:   p.Project.ID,
		ProjectName: p.Project.Name,
		PipelineID:  p.ObjectAttributes.ID,
		Status:      p.ObjectAttributes.Status,
		Ref:         p.ObjectAttributes.Ref,
		WebURL:      webURL,
		TriggeredBy: by,
	}
}
