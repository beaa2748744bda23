package alerts

import (
	"strconv"

	logx "pipewatch/pkg/logx"
)

// Match evaluates enabled rules against one event and returns the
// (rule, channel) pairs to dispatch.
//
// A rule matches when its scope covers the event's project and the flag
// for the event's status is set; any status outside the four flags never
// matches. Channel ids that don't resolve to an enabled channel are
// skipped, not failed. The same channel listed by two matching rules
// yields two targets: history records one row per attempt.
func Match(event Event, rules []Rule, channels []Channel, log logx.Logger) []Target {
	if log.IsZero() {
		log = logx.Nop()
	}

	byType := make(map[string]Channel, len(channels))
	for _, c := range channels {
		if c.Enabled {
			byType[string(c.Type)] = c
		}
	}

	var targets []Target
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		if !scopeMatches(r.ProjectScope, event.ProjectID) {
			continue
		}
		if !r.Events.Matches(event.Status) {
			continue
		}
		for _, id := range r.Channels {
			ch, ok := byType[id]
			if !ok {
				log.Debug("rule references unavailable channel",
					logx.Int64("rule_id", r.ID), logx.String("channel", id))
				continue
			}
			targets = append(targets, Target{Rule: r, Channel: ch})
		}
	}
	return targets
}

func scopeMatches(scope string, projectID int64) bool {
	if scope == "" || scope == ScopeAll {
		return true
	}
	id, err := strconv.ParseInt(scope, 10, 64)
	if err != nil {
		return false
	}
	return id == projectID
}
