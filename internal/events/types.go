package events

// Event enumerates high-level topics inside the execution core.
type Event string

const (
	EventMasterIntent   Event = "master.intent"
	EventOrderSubmitted Event = "order.submitted"
	EventOrderFilled    Event = "order.filled"
	EventOrderRejected  Event = "order.rejected"
	EventPositionOpened Event = "position.opened"
	EventPositionClosed Event = "position.closed"
	EventCopyFanOut     Event = "copy.fanout"
	EventRiskAlert      Event = "risk.alert"
)
