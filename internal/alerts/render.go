package alerts

import (
	"fmt"
	"html"
	"strings"
)

// statusBadge maps a pipeline status to its emoji and label. Unknown
// statuses fall back to a neutral bullet with the uppercased raw status.
func statusBadge(status string) (emoji, label string) {
	switch status {
	case "success":
		return "✅", "Success"
	case "failed":
		return "❌", "Failed"
	case "running":
		return "🔄", "Running"
	case "canceled":
		return "🚫", "Canceled"
	default:
		return "•", strings.ToUpper(status)
	}
}

// Render produces the channel-specific message body for one event.
func Render(t ChannelType, e Event) string {
	emoji, label := statusBadge(e.Status)
	switch t {
	case ChannelTelegram:
		return renderTelegram(emoji, label, e)
	case ChannelSlack:
		return renderSlack(emoji, label, e)
	default:
		return renderPlain(emoji, label, e)
	}
}

// Telegram messages use HTML parse mode, so user-controlled values are
// escaped.
func renderTelegram(emoji, label string, e Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s Pipeline %s</b>\n", emoji, html.EscapeString(label))
	fmt.Fprintf(&b, "Project: %s\n", html.EscapeString(e.ProjectName))
	fmt.Fprintf(&b, "Pipeline: #%d", e.PipelineID)
	if e.Ref != "" {
		fmt.Fprintf(&b, "\nBranch: %s", html.EscapeString(e.Ref))
	}
	if e.TriggeredBy != "" {
		fmt.Fprintf(&b, "\nTriggered by: %s", html.EscapeString(e.TriggeredBy))
	}
	if e.WebURL != "" {
		fmt.Fprintf(&b, "\n<a href=\"%s\">Open pipeline</a>", html.EscapeString(e.WebURL))
	}
	return b.String()
}

func renderSlack(emoji, label string, e Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *Pipeline %s*\n", emoji, label)
	fmt.Fprintf(&b, "*%s* pipeline #%d", e.ProjectName, e.PipelineID)
	if e.Ref != "" {
		fmt.Fprintf(&b, " on `%s`", e.Ref)
	}
	if e.TriggeredBy != "" {
		fmt.Fprintf(&b, " by %s", e.TriggeredBy)
	}
	if e.WebURL != "" {
		fmt.Fprintf(&b, "\n<%s|Open pipeline>", e.WebURL)
	}
	return b.String()
}

func renderPlain(emoji, label string, e Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s **Pipeline %s**: %s #%d", emoji, label, e.ProjectName, e.PipelineID)
	if e.Ref != "" {
		fmt.Fprintf(&b, " (%s)", e.Ref)
	}
	if e.TriggeredBy != "" {
		fmt.Fprintf(&b, " by %s", e.TriggeredBy)
	}
	if e.WebURL != "" {
		fmt.Fprintf(&b, "\n%s", e.WebURL)
	}
	return b.String()
}
