package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/agent"
	"github.com/nextlevelbuilder/clawgate/internal/agents"
	"github.com/nextlevelbuilder/clawgate/internal/alerts"
	"github.com/nextlevelbuilder/clawgate/internal/approvals"
	"github.com/nextlevelbuilder/clawgate/internal/bootstrap"
	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/cron"
	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/internal/gateway/methods"
	"github.com/nextlevelbuilder/clawgate/internal/lanes"
	"github.com/nextlevelbuilder/clawgate/internal/logging"
	"github.com/nextlevelbuilder/clawgate/internal/nodes"
	"github.com/nextlevelbuilder/clawgate/internal/pairing"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
	"github.com/nextlevelbuilder/clawgate/internal/store"
	"github.com/nextlevelbuilder/clawgate/internal/trace"
	"github.com/nextlevelbuilder/clawgate/internal/wallet"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logRing := logging.NewRing(2000, slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(slog.New(logRing))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slots, err := store.OpenSQLite(cfg.DataDir())
	if err != nil {
		slog.Error("failed to open slot store", "error", err)
		os.Exit(1)
	}
	defer slots.Close()

	msgBus := bus.New()
	emit := func(name string, payload any) {
		msgBus.Broadcast(bus.Event{Name: name, Payload: payload})
	}

	laneQueue := lanes.NewQueue(cfg.Lanes.Depth(), emit)
	approvalCoord := approvals.New(slots, emit, msgBus, cfg.Approvals.ForwardChannels)
	policies := approvals.NewPolicyStore(slots)
	nodeReg := nodes.NewRegistry(cfg.Nodes.CommandsAllow, cfg.Nodes.CommandsDeny)
	devices := pairing.NewDeviceStore(slots, msgBus)
	nodePairs := pairing.NewNodeStore(slots, msgBus)
	sessStore := sessions.NewStore(cfg.SessionsDir())
	traces := trace.NewRecorder(slots, cfg.Traces.StepChars())
	aborts := agent.NewAbortRegistry()

	agentStore := agents.NewStore(filepath.Join(cfg.DataDir(), "agents"))
	seedDefaultAgent(agentStore, cfg.DataDir())

	cronSvc := cron.NewService(slots, msgBus)

	lifecycle := alerts.NewLifecycleStore(slots)
	alertEngine := alerts.NewEngine(lifecycle)
	registerGatherers(alertEngine, slots, cronSvc)

	if cfg.Telemetry.Enabled {
		shutdown, telErr := trace.SetupTelemetry(ctx, cfg.Telemetry)
		if telErr != nil {
			slog.Warn("telemetry setup failed", "error", telErr)
		} else {
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				shutdown(shutdownCtx)
			}()
		}
	}

	server := gateway.NewServer(gateway.Deps{
		Config:     cfg,
		ConfigPath: cfgPath,
		Bus:        msgBus,
		Slots:      slots,
		Lanes:      laneQueue,
		Approvals:  approvalCoord,
		Policies:   policies,
		Nodes:      nodeReg,
		NodePairs:  nodePairs,
		Devices:    devices,
		Sessions:   sessStore,
		Cron:       cronSvc,
		Traces:     traces,
		Alerts:     alertEngine,
		Runner:     newNodeRunner(nodeReg),
		Aborts:     aborts,
		Agents:     agentStore,
		LogTail:    logRing,
	})
	methods.RegisterAll(server)
	unlockWallet(server, cfg)

	cronSvc.SetOnJob(makeCronJobHandler(server, msgBus))

	go approvalCoord.RunSweeper(ctx, time.Duration(cfg.Approvals.SweepInterval())*time.Second)
	go cronSvc.Run(ctx, 30*time.Second)
	go server.RunTicker(ctx, 30*time.Second)
	go runAlertLoop(ctx, server, alertEngine)

	// Hot reload: a changed config file is re-applied in place so long-lived
	// components reading through *Config observe the new values.
	go func() {
		watchErr := config.Watch(ctx, cfgPath, func(next *config.Config) {
			cfg.ReplaceFrom(next)
			server.BumpHealth()
			slog.Info("config.reloaded", "path", cfgPath)
		})
		if watchErr != nil {
			slog.Warn("config watcher unavailable", "error", watchErr)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		server.BroadcastEvent(protocol.EventShutdown, map[string]any{"reason": "signal"})
		cancel()
	}()

	gw := cfg.GatewaySection()
	slog.Info("clawgate gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"addr", fmt.Sprintf("%s:%d", gw.Host, gw.Port),
	)

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

// unlockWallet decrypts the sealed default-wallet key into process memory
// when the unlock password env var is set. Absence of the password or the
// key file is not an error; a wrong password is logged and ignored.
func unlockWallet(server *gateway.Server, cfg *config.Config) {
	pw := cfg.Wallet.UnlockPassword
	if pw == "" {
		return
	}
	keyFile := cfg.Wallet.KeyFile
	if keyFile == "" {
		keyFile = filepath.Join(cfg.DataDir(), "wallet.key")
	}
	key, err := wallet.Unlock(keyFile, pw)
	switch {
	case err == nil:
		server.SetWalletKey(key)
		slog.Info("wallet.unlocked", "keyFile", keyFile)
	case errors.Is(err, wallet.ErrNoKeyFile):
		slog.Debug("wallet.no_key_file", "keyFile", keyFile)
	default:
		slog.Warn("wallet.unlock_failed", "keyFile", keyFile, "error", err)
	}
}

// seedDefaultAgent guarantees the "main" agent exists with its workspace
// files so a fresh install can chat immediately.
func seedDefaultAgent(agentStore *agents.Store, dataDir string) {
	if _, err := agentStore.Get("main"); err != nil {
		if _, err := agentStore.Create(agents.Definition{ID: "main", Name: "Main"}); err != nil {
			slog.Warn("default agent creation failed", "error", err)
			return
		}
	}
	seeded, err := bootstrap.EnsureAgentFiles(filepath.Join(dataDir, "agents", "main"))
	if err != nil {
		slog.Warn("agent file seeding failed", "error", err)
	} else if len(seeded) > 0 {
		slog.Info("seeded agent files", "agent", "main", "files", seeded)
	}
}

// makeCronJobHandler submits due jobs through the same lane queue as
// interactive chat, so a cron run never overlaps a live run on its session.
func makeCronJobHandler(server *gateway.Server, msgBus *bus.MessageBus) cron.JobHandler {
	return func(ctx context.Context, job cron.Job, runID string) (string, error) {
		agentID := job.AgentID
		if agentID == "" {
			agentID = "main"
		}
		sessionKey := sessions.BuildCronSessionKey(agentID, job.ID, runID)

		adm := methods.SubmitRun(server, runID, sessionKey, job.Message, agentID, job.Channel)
		if adm.Status == lanes.AdmitQueueFull {
			return "", fmt.Errorf("cron job %s: lane queue full", job.ID)
		}

		view, ok := server.Lanes().Wait(runID, 10*time.Minute)
		if !ok {
			return "", fmt.Errorf("cron job %s: run %s vanished", job.ID, runID)
		}
		switch view.Status {
		case lanes.StatusOK:
			output := ""
			if res, isMap := view.Result.(map[string]any); isMap {
				output, _ = res["content"].(string)
			}
			if job.Channel != "" && job.ChatID != "" && output != "" {
				msgBus.PublishOutbound(bus.OutboundMessage{
					Channel: job.Channel,
					ChatID:  job.ChatID,
					Content: output,
					Metadata: map[string]string{
						"cron_job_id": job.ID,
						"run_id":      runID,
					},
				})
			}
			return output, nil
		case lanes.StatusAborted:
			return "", fmt.Errorf("cron job %s: run aborted", job.ID)
		default:
			return "", fmt.Errorf("cron job %s: %s", job.ID, view.Error)
		}
	}
}

// registerGatherers wires the alert probes: channel worker health, auth
// profile exhaustion and failing cron jobs.
func registerGatherers(engine *alerts.Engine, slots store.SlotStore, cronSvc *cron.Service) {
	engine.RegisterGatherer("channels", func(ctx context.Context) []alerts.RawAlert {
		var status map[string]map[string]any
		found, _ := slots.Get(ctx, store.SlotWorkerStatus, &status)
		if !found || len(status) == 0 {
			return nil
		}
		var out []alerts.RawAlert
		var down []string
		for channel, st := range status {
			state, _ := st["status"].(string)
			switch state {
			case "", "ok", "connected", "running":
				continue
			case "stalled":
				out = append(out, alerts.RawAlert{
					Source:   "control-plane",
					Category: "worker",
					Code:     "WORKER_STALLED",
					Level:    alerts.LevelCritical,
					Priority: 90,
					Message:  fmt.Sprintf("worker for %s is stalled", channel),
					Channels: []string{channel},
				})
			default:
				down = append(down, channel)
			}
		}
		if len(down) == len(status) && len(down) > 0 {
			out = append(out, alerts.RawAlert{
				Source:   "channels",
				Category: "availability",
				Code:     "CHANNELS_UNAVAILABLE_ALL",
				Level:    alerts.LevelCritical,
				Priority: 100,
				Message:  "all channels are unavailable",
				Channels: down,
			})
			return out
		}
		for _, channel := range down {
			out = append(out, alerts.RawAlert{
				Source:   "channels",
				Category: "availability",
				Code:     "CHANNEL_UNAVAILABLE",
				Level:    alerts.LevelWarning,
				Priority: 60,
				Message:  fmt.Sprintf("channel %s is unavailable", channel),
				Channels: []string{channel},
			})
		}
		return out
	})

	engine.RegisterGatherer("auth", func(ctx context.Context) []alerts.RawAlert {
		var usage map[string]map[string]any
		found, _ := slots.Get(ctx, store.SlotAuthProfileUsage, &usage)
		if !found {
			return nil
		}
		var out []alerts.RawAlert
		for profile, st := range usage {
			if expired, _ := st["expired"].(bool); expired {
				out = append(out, alerts.RawAlert{
					Source:   "auth",
					Category: "profile",
					Code:     "AUTH_PROFILE_EXPIRED",
					Level:    alerts.LevelCritical,
					Priority: 80,
					Provider: profile,
					Message:  fmt.Sprintf("auth profile %s has expired", profile),
				})
			}
			if exhausted, _ := st["exhausted"].(bool); exhausted {
				out = append(out, alerts.RawAlert{
					Source:   "auth",
					Category: "profile",
					Code:     "AUTH_PROFILE_EXHAUSTED",
					Level:    alerts.LevelWarning,
					Priority: 70,
					Provider: profile,
					Message:  fmt.Sprintf("auth profile %s is out of quota", profile),
				})
			}
		}
		return out
	})

	engine.RegisterGatherer("cron", func(ctx context.Context) []alerts.RawAlert {
		var out []alerts.RawAlert
		for _, jobID := range cronSvc.FailingJobs(ctx) {
			out = append(out, alerts.RawAlert{
				Source:   "cron",
				Category: "jobs",
				Code:     "CRON_JOB_FAILING",
				Level:    alerts.LevelWarning,
				Priority: 50,
				Message:  fmt.Sprintf("cron job %s failed its last run", jobID),
			})
		}
		return out
	})
}

// runAlertLoop re-probes the alert gatherers periodically and bumps the
// health state version when the active set changes.
func runAlertLoop(ctx context.Context, server *gateway.Server, engine *alerts.Engine) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	var lastActive int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, result := engine.Snapshot(ctx)
			if len(result.Active) != lastActive {
				lastActive = len(result.Active)
				server.BumpHealth()
				server.BroadcastEvent(protocol.EventHealth, map[string]any{
					"alertsActive": lastActive,
				})
			}
		}
	}
}
