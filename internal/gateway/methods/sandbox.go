package methods

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

// The sandbox dir holds scratch artifacts written by agent tool runs.
func sandboxDir(s *gateway.Server) string {
	return filepath.Join(s.Config().DataDir(), "sandbox")
}

// RegisterSandbox installs sandbox.status and sandbox.prune.
func RegisterSandbox(s *gateway.Server) {
	r := s.Router()

	r.Register(protocol.MethodSandboxStatus, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		dir := sandboxDir(s)
		var files int
		var bytes int64
		var oldest int64
		filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			info, ierr := d.Info()
			if ierr != nil {
				return nil
			}
			files++
			bytes += info.Size()
			if mod := info.ModTime().UnixMilli(); oldest == 0 || mod < oldest {
				oldest = mod
			}
			return nil
		})
		return protocol.NewOKResponse(req.ID, map[string]any{
			"dir": dir, "files": files, "sizeB": bytes, "oldestMs": oldest,
		})
	})

	r.Register(protocol.MethodSandboxPrune, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		var p struct {
			OlderThanDays int  `json:"olderThanDays,omitempty"`
			All           bool `json:"all,omitempty"`
		}
		json.Unmarshal(req.Params, &p)
		if p.OlderThanDays <= 0 {
			p.OlderThanDays = 7
		}
		cutoff := time.Now().AddDate(0, 0, -p.OlderThanDays)

		dir := sandboxDir(s)
		var removed int
		filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			info, ierr := d.Info()
			if ierr != nil {
				return nil
			}
			if p.All || info.ModTime().Before(cutoff) {
				if os.Remove(path) == nil {
					removed++
				}
			}
			return nil
		})
		return protocol.NewOKResponse(req.ID, map[string]any{"removed": removed})
	})
}
