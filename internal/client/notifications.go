package client

// Severity classifies a user-facing notification.
type Severity string

const (
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Notification is a user-visible event surfaced by the connection
// manager or race controller. Nothing in this package panics or returns
// errors across the UI boundary; failures become one of these instead.
type Notification struct {
	Severity Severity
	Message  string
}

// Notifier receives notifications for display. Implementations must not
// block.
type Notifier func(n Notification)

func (f Notifier) notify(sev Severity, msg string) {
	if f != nil {
		f(Notification{Severity: sev, Message: msg})
	}
}
