package domain

// ActionType enumerates the administrative broadcast actions.
type ActionType string

const (
	ActionSkip     ActionType = "SKIP"
	ActionBan      ActionType = "BAN"
	ActionMessage  ActionType = "MESSAGE"
	ActionUnban    ActionType = "UNBAN"
	ActionAwardXP  ActionType = "AWARD_XP"
	ActionWarn     ActionType = "WARN"
	ActionAIUpdate ActionType = "AI_UPDATE"
)

// AdminAction is the broadcast envelope written to the shared latest-action
// slot. Each publish overwrites the previous value; only currently-connected
// observers see it. It is not a queue or a log.
type AdminAction struct {
	Type      ActionType     `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp"`
	AdminID   string         `json:"adminId"`
}

// Target returns the payload's target username, or "" when absent.
func (a AdminAction) Target() string {
	s, _ := a.Payload["target"].(string)
	return s
}

// Text returns the payload's announcement text, or "" when absent.
func (a AdminAction) Text() string {
	s, _ := a.Payload["text"].(string)
	return s
}

// Message returns the payload's warning message, or "" when absent.
func (a AdminAction) Message() string {
	s, _ := a.Payload["message"].(string)
	return s
}

// Amount returns the payload's XP amount. JSON round-trips numbers as
// float64, so both int and float payloads decode correctly.
func (a AdminAction) Amount() int64 {
	switch v := a.Payload["amount"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// DurationMinutes returns the ban duration in minutes; zero means
// indefinite.
func (a AdminAction) DurationMinutes() int64 {
	switch v := a.Payload["durationMinutes"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}
