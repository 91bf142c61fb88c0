package methods

import "github.com/nextlevelbuilder/clawgate/internal/gateway"

// RegisterAll installs every RPC method family on the server's router.
func RegisterAll(s *gateway.Server) {
	RegisterConnect(s)
	RegisterAgents(s)
	RegisterMisc(s)
	RegisterChat(s)
	RegisterLanes(s)
	RegisterTraces(s)
	RegisterSessions(s)
	RegisterConfig(s)
	RegisterPlugins(s)
	RegisterControlState(s)
	RegisterWebLogin(s)
	RegisterPairing(s)
	RegisterNodes(s)
	RegisterBrowser(s)
	RegisterApprovals(s)
	RegisterSandbox(s)
	RegisterCron(s)
	RegisterShadowLegacy(s)
}
