package methods

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/internal/store"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// Control-plane state documents: small persisted blobs the clients read and
// write through typed methods. Each lives in its own slot.

type skillEntry struct {
	Name        string `json:"name"`
	Source      string `json:"source,omitempty"`
	Enabled     bool   `json:"enabled"`
	InstalledAt int64  `json:"installedAtMs,omitempty"`
}

type skillsDoc struct {
	Skills []skillEntry `json:"skills"`
}

type voicewakeDoc struct {
	Enabled bool     `json:"enabled"`
	Phrases []string `json:"phrases,omitempty"`
}

type talkDoc struct {
	Voice       string  `json:"voice,omitempty"`
	Rate        float64 `json:"rate,omitempty"`
	AutoSpeak   bool    `json:"autoSpeak,omitempty"`
	InputDevice string  `json:"inputDevice,omitempty"`
}

type ttsDoc struct {
	Enabled  bool   `json:"enabled"`
	Provider string `json:"provider,omitempty"`
}

type wizardDoc struct {
	WizardID string            `json:"wizardId"`
	Kind     string            `json:"kind"`
	Step     int               `json:"step"`
	Answers  map[string]string `json:"answers,omitempty"`
	Done     bool              `json:"done,omitempty"`
}

// wizardSteps maps a wizard kind to its ordered step prompts.
var wizardSteps = map[string][]string{
	"onboarding": {"pick-agent", "pair-device", "test-chat"},
	"channel":    {"pick-channel", "credentials", "verify"},
}

var ttsProviders = []map[string]string{
	{"id": "system", "name": "System TTS"},
	{"id": "elevenlabs", "name": "ElevenLabs"},
	{"id": "openai", "name": "OpenAI TTS"},
}

// RegisterControlState installs the skills, talk, voicewake, wizard, tts and
// channel-state methods.
func RegisterControlState(s *gateway.Server) {
	r := s.Router()

	r.Register(protocol.MethodSkillsStatus, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var doc skillsDoc
		s.Slots().Get(ctx, store.SlotSkills, &doc)
		return protocol.NewOKResponse(req.ID, doc)
	})

	r.Register(protocol.MethodSkillsUpdate, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			Name    string `json:"name"`
			Enabled bool   `json:"enabled"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Name == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "name is required")
		}
		var doc skillsDoc
		s.Slots().Get(ctx, store.SlotSkills, &doc)
		found := false
		for i := range doc.Skills {
			if doc.Skills[i].Name == p.Name {
				doc.Skills[i].Enabled = p.Enabled
				found = true
				break
			}
		}
		if !found {
			return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "skill "+p.Name+" not installed")
		}
		if err := s.Slots().Set(ctx, store.SlotSkills, doc); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "persist failed")
		}
		return protocol.NewOKResponse(req.ID, doc)
	})

	r.Register(protocol.MethodSkillsInstall, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			Name   string `json:"name"`
			Source string `json:"source,omitempty"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Name == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "name is required")
		}
		var doc skillsDoc
		s.Slots().Get(ctx, store.SlotSkills, &doc)
		for _, sk := range doc.Skills {
			if sk.Name == p.Name {
				return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "skill "+p.Name+" already installed")
			}
		}
		doc.Skills = append(doc.Skills, skillEntry{
			Name: p.Name, Source: p.Source, Enabled: true,
			InstalledAt: time.Now().UnixMilli(),
		})
		if err := s.Slots().Set(ctx, store.SlotSkills, doc); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "persist failed")
		}
		return protocol.NewOKResponse(req.ID, doc)
	})

	// talk.config reads when called without a config body, writes otherwise.
	r.Register(protocol.MethodTalkConfig, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			Config *talkDoc `json:"config,omitempty"`
		}
		json.Unmarshal(req.Params, &p)
		if p.Config != nil {
			if err := s.Slots().Set(ctx, store.SlotTalkConfig, p.Config); err != nil {
				return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "persist failed")
			}
			return protocol.NewOKResponse(req.ID, p.Config)
		}
		var doc talkDoc
		s.Slots().Get(ctx, store.SlotTalkConfig, &doc)
		return protocol.NewOKResponse(req.ID, doc)
	})

	r.Register(protocol.MethodVoicewakeGet, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var doc voicewakeDoc
		s.Slots().Get(ctx, store.SlotVoicewake, &doc)
		return protocol.NewOKResponse(req.ID, doc)
	})

	r.Register(protocol.MethodVoicewakeSet, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var doc voicewakeDoc
		if err := json.Unmarshal(req.Params, &doc); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "malformed voicewake config")
		}
		if err := s.Slots().Set(ctx, store.SlotVoicewake, doc); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "persist failed")
		}
		return protocol.NewOKResponse(req.ID, doc)
	})

	r.Register(protocol.MethodWizardStart, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			Kind string `json:"kind"`
		}
		json.Unmarshal(req.Params, &p)
		if p.Kind == "" {
			p.Kind = "onboarding"
		}
		steps, ok := wizardSteps[p.Kind]
		if !ok {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "unknown wizard kind: "+p.Kind)
		}
		doc := wizardDoc{WizardID: uuid.NewString(), Kind: p.Kind, Answers: make(map[string]string)}
		if err := s.Slots().Set(ctx, store.SlotWizard, doc); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "persist failed")
		}
		return protocol.NewOKResponse(req.ID, map[string]any{
			"wizardId": doc.WizardID, "kind": doc.Kind,
			"step": doc.Step, "prompt": steps[0], "totalSteps": len(steps),
		})
	})

	r.Register(protocol.MethodWizardNext, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			WizardID string `json:"wizardId"`
			Answer   string `json:"answer,omitempty"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.WizardID == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "wizardId is required")
		}
		var doc wizardDoc
		found, _ := s.Slots().Get(ctx, store.SlotWizard, &doc)
		if !found || doc.WizardID != p.WizardID {
			return protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "wizard not in progress")
		}
		if doc.Done {
			return protocol.NewOKResponse(req.ID, map[string]any{"wizardId": doc.WizardID, "done": true})
		}
		steps := wizardSteps[doc.Kind]
		if doc.Answers == nil {
			doc.Answers = make(map[string]string)
		}
		doc.Answers[steps[doc.Step]] = p.Answer
		doc.Step++
		if doc.Step >= len(steps) {
			doc.Done = true
		}
		if err := s.Slots().Set(ctx, store.SlotWizard, doc); err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "persist failed")
		}
		payload := map[string]any{"wizardId": doc.WizardID, "step": doc.Step, "done": doc.Done}
		if !doc.Done {
			payload["prompt"] = steps[doc.Step]
		}
		return protocol.NewOKResponse(req.ID, payload)
	})

	r.Register(protocol.MethodTTSStatus, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var doc ttsDoc
		s.Slots().Get(ctx, store.SlotTTS, &doc)
		return protocol.NewOKResponse(req.ID, doc)
	})

	r.Register(protocol.MethodTTSEnable, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return setTTSEnabled(ctx, s, req, true)
	})
	r.Register(protocol.MethodTTSDisable, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return setTTSEnabled(ctx, s, req, false)
	})

	r.Register(protocol.MethodTTSProviders, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return protocol.NewOKResponse(req.ID, map[string]any{"providers": ttsProviders})
	})

	// tts.convert delegates to a connected node with the voice capability.
	r.Register(protocol.MethodTTSConvert, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			Text      string `json:"text"`
			TimeoutMs int    `json:"timeoutMs,omitempty"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Text == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "text is required")
		}
		var doc ttsDoc
		s.Slots().Get(ctx, store.SlotTTS, &doc)
		if !doc.Enabled {
			return protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, "tts is disabled")
		}
		candidates := s.Nodes().FindByCap("voice.listen")
		if len(candidates) == 0 {
			return protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, "no voice-capable node connected")
		}
		timeout := time.Duration(p.TimeoutMs) * time.Millisecond
		result, err := s.Nodes().Invoke(ctx, candidates[0].NodeID, "voice.listen", req.Params, timeout, "")
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, err.Error())
		}
		if !result.OK {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, result.Err)
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"audio": result.Payload})
	})

	// channels.status reflects what the channel workers last reported.
	r.Register(protocol.MethodChannelsStatus, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var status map[string]any
		found, _ := s.Slots().Get(ctx, store.SlotWorkerStatus, &status)
		if !found || status == nil {
			status = map[string]any{}
		}
		return protocol.NewOKResponse(req.ID, map[string]any{"channels": status})
	})

	r.Register(protocol.MethodChannelsLogout, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			Channel string `json:"channel"`
		}
		if err := json.Unmarshal(req.Params, &p); err != nil || p.Channel == "" {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "channel is required")
		}
		// The channel worker owns the credential teardown; the gateway only
		// relays the instruction.
		s.Bus().PublishOutbound(bus.OutboundMessage{
			Channel:  p.Channel,
			Content:  "logout",
			Metadata: map[string]string{"control": "logout"},
		})
		return protocol.NewOKResponse(req.ID, map[string]any{"channel": p.Channel, "requested": true})
	})
}

func setTTSEnabled(ctx context.Context, s *gateway.Server, req *protocol.RequestFrame, enabled bool) *protocol.ResponseFrame {
	var doc ttsDoc
	s.Slots().Get(ctx, store.SlotTTS, &doc)
	doc.Enabled = enabled
	if enabled {
		var p struct {
			Provider string `json:"provider,omitempty"`
		}
		json.Unmarshal(req.Params, &p)
		if p.Provider != "" {
			doc.Provider = p.Provider
		}
	}
	if err := s.Slots().Set(ctx, store.SlotTTS, doc); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "persist failed")
	}
	return protocol.NewOKResponse(req.ID, doc)
}
