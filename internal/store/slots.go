// Package store provides the named-slot persistence layer. Each slot is an
// opaque JSON document keyed by a stable name. Writes are best-effort:
// callers fall back to defaults on read errors and log-and-continue on
// write errors.
package store

import "context"

// Well-known slot keys.
const (
	SlotDevicePairs       = "rpc.device_pairs"
	SlotNodeTokens        = "rpc.node_tokens"
	SlotExecApprovals     = "rpc.exec_approvals"
	SlotNodeExecApprovals = "rpc.node_exec_approvals"
	SlotCronRuns          = "rpc.cron_runs"
	SlotCronJobs          = "rpc.cron_jobs"
	SlotUpdateStatus      = "rpc.update_status"
	SlotLastHeartbeat     = "rpc.last_heartbeat"
	SlotWhatsappLogin     = "rpc.whatsapp_login"
	SlotTTS               = "rpc.tts"
	SlotSkills            = "rpc.skills"
	SlotVoicewake         = "rpc.voicewake"
	SlotTalkConfig        = "rpc.talk_config"
	SlotWizard            = "rpc.wizard"
	SlotAlertsLifecycle   = "rpc.alerts_lifecycle"
	SlotWorkerStatus      = "control_plane.worker_status"
	SlotAuthProfileUsage  = "auth.profile_usage"
	SlotAgentTraces       = "rpc.agent_traces"
)

// SlotStore is a named-slot JSON document store.
type SlotStore interface {
	// Get unmarshals the slot value into dst. Returns false when the slot
	// does not exist; dst is left untouched.
	Get(ctx context.Context, key string, dst any) (bool, error)
	// Set marshals value and replaces the slot.
	Set(ctx context.Context, key string, value any) error
	// Delete removes the slot. Missing slots are not an error.
	Delete(ctx context.Context, key string) error
	Close() error
}
