package protocol

// RPC method name constants, grouped by family in dispatch order.

// System
const (
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"
)

// Agents management
const (
	MethodAgentsList       = "agents.list"
	MethodAgentsCreate     = "agents.create"
	MethodAgentsUpdate     = "agents.update"
	MethodAgentsDelete     = "agents.delete"
	MethodAgentsFileList   = "agents.files.list"
	MethodAgentsFileGet    = "agents.files.get"
	MethodAgentsFileSet    = "agents.files.set"
	MethodAgentIdentityGet = "agent.identity.get"
)

// Misc (models, actions catalog, alert lifecycle, diagnostics)
const (
	MethodModelsList             = "models.list"
	MethodAuthProfilesStatus     = "auth.profiles.status"
	MethodActionsCatalog         = "actions.catalog"
	MethodActionsValidate        = "actions.validate"
	MethodActionsValidateBatch   = "actions.validate.batch"
	MethodActionsValidateBatchLC = "actions.validate.batch.lifecycle"
	MethodAlertsLifecycle        = "alerts.lifecycle"
	MethodSystemPresence         = "system-presence"
	MethodLogsTail               = "logs.tail"
	MethodLastHeartbeat          = "last-heartbeat"
	MethodUpdateRun              = "update.run"
	MethodDoctorMemoryStatus     = "doctor.memory.status"
	MethodPushTest               = "push.test"
)

// Chat runtime
const (
	MethodChatSend    = "chat.send"
	MethodChatInject  = "chat.inject"
	MethodChatAbort   = "chat.abort"
	MethodChatHistory = "chat.history"
	MethodAgent       = "agent"
	MethodAgentWait   = "agent.wait"
)

// Lanes
const (
	MethodLanesStatus = "lanes.status"
	MethodLanesList   = "lanes.list"
)

// Traces
const (
	MethodTracesList = "traces.list"
	MethodTracesGet  = "traces.get"
)

// Sessions and usage
const (
	MethodSessionsList            = "sessions.list"
	MethodSessionsResolve         = "sessions.resolve"
	MethodSessionsPreview         = "sessions.preview"
	MethodSessionsPatch           = "sessions.patch"
	MethodSessionsReset           = "sessions.reset"
	MethodSessionsDelete          = "sessions.delete"
	MethodSessionsCompact         = "sessions.compact"
	MethodSessionsUsage           = "sessions.usage"
	MethodSessionsUsageTimeseries = "sessions.usage.timeseries"
	MethodSessionsUsageLogs       = "sessions.usage.logs"
	MethodUsageCost               = "usage.cost"
	MethodUsageStatus             = "usage.status"
)

// Config
const (
	MethodConfigGet    = "config.get"
	MethodConfigSchema = "config.schema"
	MethodConfigPatch  = "config.patch"
	MethodConfigSet    = "config.set"
	MethodConfigApply  = "config.apply"
)

// Plugins
const (
	MethodPluginsList           = "plugins.list"
	MethodPluginsInfo           = "plugins.info"
	MethodPluginsDoctor         = "plugins.doctor"
	MethodPluginsReload         = "plugins.reload"
	MethodPluginsGatewayMethods = "plugins.gateway.methods"
	MethodPluginsHTTPDispatch   = "plugins.http.dispatch"
	MethodPluginsCLIList        = "plugins.cli.list"
	MethodPluginsCLIInvoke      = "plugins.cli.invoke"
	MethodPluginsChannelsList   = "plugins.channels.list"
	MethodPluginsProvidersList  = "plugins.providers.list"
	MethodPluginsHooksList      = "plugins.hooks.list"
	MethodPluginsServicesStart  = "plugins.services.start"
	MethodPluginsServicesStop   = "plugins.services.stop"
	MethodPluginsSetupHost      = "plugins.setup_host"
	MethodPluginsStatus         = "plugins.status"
)

// Control-plane state (skills, voicewake, wizard, tts, channels)
const (
	MethodSkillsStatus   = "skills.status"
	MethodSkillsUpdate   = "skills.update"
	MethodSkillsInstall  = "skills.install"
	MethodTalkConfig     = "talk.config"
	MethodVoicewakeGet   = "voicewake.get"
	MethodVoicewakeSet   = "voicewake.set"
	MethodWizardStart    = "wizard.start"
	MethodWizardNext     = "wizard.next"
	MethodTTSStatus      = "tts.status"
	MethodTTSEnable      = "tts.enable"
	MethodTTSDisable     = "tts.disable"
	MethodTTSConvert     = "tts.convert"
	MethodTTSProviders   = "tts.providers"
	MethodChannelsStatus = "channels.status"
	MethodChannelsLogout = "channels.logout"
)

// Web login
const (
	MethodWebLoginStart = "web.login.start"
	MethodWebLoginWait  = "web.login.wait"
)

// Pairing (devices + nodes)
const (
	MethodDevicePairList    = "device.pair.list"
	MethodDevicePairApprove = "device.pair.approve"
	MethodDevicePairReject  = "device.pair.reject"
	MethodDevicePairRemove  = "device.pair.remove"
	MethodDeviceTokenRotate = "device.token.rotate"
	MethodDeviceTokenRevoke = "device.token.revoke"
	MethodNodePairRequest   = "node.pair.request"
	MethodNodePairList      = "node.pair.list"
	MethodNodePairApprove   = "node.pair.approve"
	MethodNodePairReject    = "node.pair.reject"
	MethodNodePairVerify    = "node.pair.verify"
)

// Node runtime
const (
	MethodNodeList         = "node.list"
	MethodNodeDescribe     = "node.describe"
	MethodNodeRename       = "node.rename"
	MethodNodeInvoke       = "node.invoke"
	MethodNodeInvokeResult = "node.invoke.result"
	MethodNodeEvent        = "node.event"
)

// Browser proxy
const (
	MethodBrowserRequest = "browser.request"
)

// Exec approvals
const (
	MethodExecApprovalRequest  = "exec.approval.request"
	MethodExecApprovalWait     = "exec.approval.waitDecision"
	MethodExecApprovalResolve  = "exec.approval.resolve"
	MethodExecApprovalsGet     = "exec.approvals.get"
	MethodExecApprovalsSet     = "exec.approvals.set"
	MethodExecApprovalsPending = "exec.approvals.pending"
	MethodExecApprovalsNodeGet = "exec.approvals.node.get"
	MethodExecApprovalsNodeSet = "exec.approvals.node.set"
)

// Sandbox
const (
	MethodSandboxStatus = "sandbox.status"
	MethodSandboxPrune  = "sandbox.prune"
)

// Cron
const (
	MethodCronList   = "cron.list"
	MethodCronStatus = "cron.status"
	MethodCronAdd    = "cron.add"
	MethodCronUpdate = "cron.update"
	MethodCronRemove = "cron.remove"
	MethodCronRun    = "cron.run"
	MethodCronRuns   = "cron.runs"
)

// Client roles bound by connect.
const (
	RoleOperator = "operator"
	RoleNode     = "node"
	RoleUnknown  = "unknown"
)

// Operator scopes. ScopeAdmin is a superset of every other scope.
const (
	ScopeAdmin     = "operator.admin"
	ScopeApprovals = "operator.approvals"
	ScopePairing   = "operator.pairing"
	ScopeRead      = "operator.read"
	ScopeWrite     = "operator.write"
)

// DefaultScopes is granted when a connect request names no scopes.
var DefaultScopes = []string{ScopeRead, ScopeWrite, ScopeApprovals, ScopePairing}

// AlwaysAllowedMethods bypass the canary restriction.
var AlwaysAllowedMethods = map[string]bool{
	MethodConnect: true,
	MethodHealth:  true,
	MethodStatus:  true,
}

// NodeRoleMethods is the full method surface available to node-role clients.
var NodeRoleMethods = map[string]bool{
	MethodNodeInvokeResult:    true,
	MethodNodeEvent:           true,
	MethodExecApprovalRequest: true,
	MethodExecApprovalWait:    true,
	MethodHealth:              true,
	MethodStatus:              true,
}

// AdminOnlyMethods require operator.admin regardless of other scopes.
var AdminOnlyMethods = map[string]bool{
	MethodConfigSet:            true,
	MethodConfigApply:          true,
	MethodConfigPatch:          true,
	MethodUpdateRun:            true,
	MethodPluginsReload:        true,
	MethodPluginsServicesStart: true,
	MethodPluginsServicesStop:  true,
	MethodPluginsSetupHost:     true,
	MethodDeviceTokenRotate:    true,
	MethodDeviceTokenRevoke:    true,
	MethodSandboxPrune:         true,
}

var approvalMethods = map[string]bool{
	MethodExecApprovalRequest:  true,
	MethodExecApprovalWait:     true,
	MethodExecApprovalResolve:  true,
	MethodExecApprovalsGet:     true,
	MethodExecApprovalsSet:     true,
	MethodExecApprovalsPending: true,
	MethodExecApprovalsNodeGet: true,
	MethodExecApprovalsNodeSet: true,
}

var pairingMethods = map[string]bool{
	MethodDevicePairList:    true,
	MethodDevicePairApprove: true,
	MethodDevicePairReject:  true,
	MethodDevicePairRemove:  true,
	MethodDeviceTokenRotate: true,
	MethodDeviceTokenRevoke: true,
	MethodNodePairRequest:   true,
	MethodNodePairList:      true,
	MethodNodePairApprove:   true,
	MethodNodePairReject:    true,
	MethodNodePairVerify:    true,
}

// readMethods are query-only operations gated by operator.read.
var readMethods = map[string]bool{
	MethodHealth: true, MethodStatus: true,
	MethodAgentsList: true, MethodAgentsFileList: true, MethodAgentsFileGet: true,
	MethodAgentIdentityGet: true, MethodModelsList: true, MethodAuthProfilesStatus: true,
	MethodActionsCatalog: true, MethodAlertsLifecycle: true, MethodSystemPresence: true,
	MethodLogsTail: true, MethodLastHeartbeat: true, MethodDoctorMemoryStatus: true,
	MethodChatHistory: true, MethodAgentWait: true,
	MethodLanesStatus: true, MethodLanesList: true,
	MethodTracesList: true, MethodTracesGet: true,
	MethodSessionsList: true, MethodSessionsResolve: true, MethodSessionsPreview: true,
	MethodSessionsUsage: true, MethodSessionsUsageTimeseries: true, MethodSessionsUsageLogs: true,
	MethodUsageCost: true, MethodUsageStatus: true,
	MethodConfigGet: true, MethodConfigSchema: true,
	MethodPluginsList: true, MethodPluginsInfo: true, MethodPluginsDoctor: true,
	MethodPluginsGatewayMethods: true, MethodPluginsCLIList: true,
	MethodPluginsChannelsList: true, MethodPluginsProvidersList: true,
	MethodPluginsHooksList: true, MethodPluginsStatus: true,
	MethodSkillsStatus: true, MethodTalkConfig: true, MethodVoicewakeGet: true,
	MethodTTSStatus: true, MethodTTSProviders: true, MethodChannelsStatus: true,
	MethodNodeList: true, MethodNodeDescribe: true,
	MethodSandboxStatus: true,
	MethodCronList:      true, MethodCronStatus: true, MethodCronRuns: true,
}

// RequiredScope returns the operator scope needed for a method.
// operator.admin always satisfies the requirement.
func RequiredScope(method string) string {
	switch {
	case AdminOnlyMethods[method]:
		return ScopeAdmin
	case approvalMethods[method]:
		return ScopeApprovals
	case pairingMethods[method]:
		return ScopePairing
	case readMethods[method]:
		return ScopeRead
	default:
		return ScopeWrite
	}
}
