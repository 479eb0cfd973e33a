package domain

const (
	EventNameAdminAction = "admin.action"
)

// EventAdminAction carries an observed broadcast action onto the in-process
// event bus.
type EventAdminAction struct {
	Action AdminAction
}

func (EventAdminAction) Name() string { return EventNameAdminAction }
