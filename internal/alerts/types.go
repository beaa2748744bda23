package alerts

import "time"

// ScopeAll is the project scope sentinel matching every project.
const ScopeAll = "all"

// ChannelType enumerates the supported outbound targets.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelSlack    ChannelType = "slack"
	ChannelDiscord  ChannelType = "discord"
)

// Valid reports whether t names a supported channel.
func (t ChannelType) Valid() bool {
	switch t {
	case ChannelTelegram, ChannelSlack, ChannelDiscord:
		return true
	}
	return false
}

// EventFlags selects which pipeline statuses a rule fires on. The four
// flags are independent; a status outside this set never matches.
type EventFlags struct {
	Success  bool `json:"success"`
	Failed   bool `json:"failed"`
	Running  bool `json:"running"`
	Canceled bool `json:"canceled"`
}

// Matches reports whether status is covered by the flags.
func (f EventFlags) Matches(status string) bool {
	switch status {
	case "success":
		return f.Success
	case "failed":
		return f.Failed
	case "running":
		return f.Running
	case "canceled":
		return f.Canceled
	default:
		return false
	}
}

// Rule maps a project scope plus status flags to a set of channels.
// Rules are user-managed; the dispatch pipeline only reads them.
type Rule struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	ProjectScope string     `json:"project_scope"`
	Channels     []string   `json:"channels"`
	Events       EventFlags `json:"events"`
	Enabled      bool       `json:"enabled"`
}

// Channel is a configured outbound target. Config keys depend on Type:
// telegram wants bot_token and chat_id, slack/discord want webhook_url.
type Channel struct {
	Type    ChannelType       `json:"type"`
	Enabled bool              `json:"enabled"`
	Config  map[string]string `json:"config"`
}

// HistoryEntry records one dispatch attempt. Append-only.
type HistoryEntry struct {
	ID          int64     `json:"id"`
	ProjectName string    `json:"project_name"`
	PipelineID  int64     `json:"pipeline_id"`
	Status      string    `json:"status"`
	Channel     string    `json:"channel"`
	Message     string    `json:"message"`
	Sent        bool      `json:"sent"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Event is the normalized view of one pipeline status change.
type Event struct {
	ProjectID   int64
	ProjectName string
	PipelineID  int64
	Status      string
	Ref         string
	WebURL      string
	TriggeredBy string
}

// Target is one (rule, channel) pair selected for dispatch.
type Target struct {
	Rule    Rule
	Channel Channel
}
