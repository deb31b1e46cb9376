package core

// EventKind enumerates the out-bound notification events the core emits.
// Emission is always best-effort: a failing sink must never roll back the
// business operation that triggered it.
type EventKind string

const (
	EventTransferCompleted    EventKind = "TRANSFER_COMPLETED"
	EventBulkCompleted        EventKind = "BULK_COMPLETED"
	EventRequestCreated       EventKind = "REQUEST_CREATED"
	EventRequestResponded     EventKind = "REQUEST_RESPONDED"
	EventContributionMade     EventKind = "CONTRIBUTION_MADE"
	EventEventClosed          EventKind = "EVENT_CLOSED"
	EventDeadlineApproaching  EventKind = "DEADLINE_APPROACHING"
)

// NotificationEvent is the payload passed to a NotificationSink. Data holds
// event-specific fields (tx_id, request_id, amount, ...); it is opaque to
// the sink, which is responsible only for delivery, not interpretation.
type NotificationEvent struct {
	Kind EventKind
	Data map[string]any
}

// NotificationSink is the out-bound event emitter. Emit must not block the
// caller indefinitely and its errors must never propagate back into the
// transaction that produced the event — see emitBestEffort in packages
// ledger, moneyrequest and eventpool, which log the failure and record a
// NOTIFICATION_FAILED audit entry.
type NotificationSink interface {
	Emit(event NotificationEvent) error
}

// NoopSink discards every event. Used where no real sink is configured
// (e.g. local development, or a deployment with notifications disabled).
type NoopSink struct{}

// Emit always succeeds and does nothing.
func (NoopSink) Emit(NotificationEvent) error { return nil }

// RecordingSink collects emitted events in memory, for tests asserting that
// a given operation fired the expected notification.
type RecordingSink struct {
	Events []NotificationEvent
	FailOn map[EventKind]bool
}

// NewRecordingSink returns an empty RecordingSink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{FailOn: map[EventKind]bool{}}
}

// Emit records the event, returning an error if FailOn marks this Kind to
// simulate a sink outage for notification-failure-isolation tests.
func (s *RecordingSink) Emit(event NotificationEvent) error {
	s.Events = append(s.Events, event)
	if s.FailOn[event.Kind] {
		return ErrTransactionFailed
	}
	return nil
}
