package protocol

// Event names pushed from server to clients.
const (
	EventConnectChallenge = "connect.challenge"
	EventAgent            = "agent"
	EventChat             = "chat"
	EventPresence         = "presence"
	EventTick             = "tick"
	EventHealth           = "health"
	EventCron             = "cron"
	EventShutdown         = "shutdown"

	EventLanesEnqueued     = "lanes.enqueued"
	EventLanesDequeued     = "lanes.dequeued"
	EventLanesCompleted    = "lanes.completed"
	EventLanesDepthChanged = "lanes.depth.changed"

	EventDevicePairRequested = "device.pair.requested"
	EventDevicePairResolved  = "device.pair.resolved"
	EventExecApprovalReq     = "exec.approval.requested"
	EventExecApprovalRes     = "exec.approval.resolved"
	EventNodePairRequested   = "node.pair.requested"
	EventNodePairResolved    = "node.pair.resolved"
	EventNodeEvent           = "node.event"
)

// Chat event states (in payload.state).
const (
	ChatStateDelta   = "delta"
	ChatStateFinal   = "final"
	ChatStateError   = "error"
	ChatStateAborted = "aborted"
)

// EventScopeRequirements maps event name prefixes to the scope a
// subscriber needs to observe them. operator.admin satisfies any entry.
var EventScopeRequirements = map[string]string{
	EventExecApprovalReq:     ScopeApprovals,
	EventExecApprovalRes:     ScopeApprovals,
	EventDevicePairRequested: ScopePairing,
	EventDevicePairResolved:  ScopePairing,
	EventNodePairRequested:   ScopePairing,
	EventNodePairResolved:    ScopePairing,
}
