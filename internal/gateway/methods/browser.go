package methods

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/internal/gateway"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

const browserCap = "browser.proxy"

type browserRequestParams struct {
	NodeID  string          `json:"nodeId,omitempty"`
	Command string          `json:"command,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`

	// Plain HTTP-shaped form: {method:"GET", path:"/snapshot"}. Mapped onto
	// the browser.proxy command for the node, or onto a direct HTTP call in
	// the fallback path.
	Method string `json:"method,omitempty"`
	Path   string `json:"path,omitempty"`

	TimeoutMs int `json:"timeoutMs,omitempty"`
	Files     []filePayload `json:"files,omitempty"`
}

type filePayload struct {
	Name       string `json:"name"`
	DataBase64 string `json:"dataBase64"`
}

// RegisterBrowser installs browser.request: browser automation proxied to a
// capable node, with an HTTP fallback when no node is connected.
func RegisterBrowser(s *gateway.Server) {
	s.Router().Register(protocol.MethodBrowserRequest, func(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
		return handleBrowserRequest(ctx, s, req)
	})
}

func handleBrowserRequest(ctx context.Context, s *gateway.Server, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var p browserRequestParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "malformed browser request")
	}
	if p.Command == "" && (p.Method == "" || p.Path == "") {
		return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "command or method+path is required")
	}

	// Inbound file payloads land in the media dir; the node or HTTP target
	// receives paths, not blobs.
	var savedPaths []string
	for _, f := range p.Files {
		path, err := persistFile(s, f.Name, f.DataBase64)
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, err.Error())
		}
		savedPaths = append(savedPaths, path)
	}

	nodesCfg := s.Config().NodesSection()
	timeout := time.Duration(p.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(nodesCfg.InvokeTimeout()) * time.Millisecond
	}

	nodeID := selectBrowserNode(s, p.NodeID, nodesCfg.BrowserTarget)
	if nodeID != "" {
		params := p.Params
		if len(savedPaths) > 0 {
			params = attachPaths(params, savedPaths)
		}
		invokeParams := map[string]any{"params": json.RawMessage(params)}
		if p.Command != "" {
			invokeParams["command"] = p.Command
		} else {
			invokeParams["method"] = p.Method
			invokeParams["path"] = p.Path
		}
		result, err := s.Nodes().Invoke(ctx, nodeID, browserCap, mustMarshal(invokeParams), timeout, "")
		if err != nil {
			return protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, err.Error())
		}
		if !result.OK {
			return protocol.NewErrorResponse(req.ID, protocol.ErrInternal, result.Err)
		}
		return protocol.NewOKResponse(req.ID, map[string]any{
			"nodeId": nodeID,
			"result": rewriteResponseFiles(s, result.Payload),
		})
	}

	controlURL := nodesCfg.BrowserControlURL
	if controlURL == "" {
		return protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, "no browser-capable node connected and no control URL configured")
	}
	return browserHTTPFallback(ctx, req, controlURL, p, savedPaths, timeout)
}

// selectBrowserNode prefers an explicit nodeId, then the configured target,
// then the sole connected node declaring the browser capability. With more
// than one capable node and no explicit target the choice is ambiguous, so
// the request falls through to the HTTP fallback.
func selectBrowserNode(s *gateway.Server, explicit, configured string) string {
	if explicit != "" {
		if _, ok := s.Nodes().Get(explicit); ok {
			return explicit
		}
		return ""
	}
	if configured != "" {
		if _, ok := s.Nodes().Get(configured); ok {
			return configured
		}
	}
	if candidates := s.Nodes().FindByCap(browserCap); len(candidates) == 1 {
		return candidates[0].NodeID
	}
	return ""
}

func browserHTTPFallback(ctx context.Context, req *protocol.RequestFrame, controlURL string, p browserRequestParams, paths []string, timeout time.Duration) *protocol.ResponseFrame {
	httpCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var httpReq *http.Request
	var err error
	if p.Command == "" {
		// HTTP-shaped request maps directly onto the control endpoint.
		url := strings.TrimRight(controlURL, "/") + "/" + strings.TrimLeft(p.Path, "/")
		var body io.Reader
		if len(p.Params) > 0 && p.Method != http.MethodGet {
			body = bytes.NewReader(p.Params)
		}
		httpReq, err = http.NewRequestWithContext(httpCtx, p.Method, url, body)
	} else {
		payload := mustMarshal(map[string]any{
			"command": p.Command,
			"params":  json.RawMessage(p.Params),
			"files":   paths,
		})
		httpReq, err = http.NewRequestWithContext(httpCtx, http.MethodPost, controlURL, bytes.NewReader(payload))
	}
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrHTTP, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return protocol.NewErrorResponse(req.ID, protocol.ErrHTTP, "browser control request failed: "+err.Error())
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return protocol.NewErrorResponse(req.ID, protocol.ErrHTTP,
			fmt.Sprintf("browser control returned %d", resp.StatusCode))
	}
	return protocol.NewOKResponse(req.ID, map[string]any{"result": json.RawMessage(respBody)})
}

func persistFile(s *gateway.Server, name, dataBase64 string) (string, error) {
	if name == "" || !filepath.IsLocal(name) {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	data, err := base64.StdEncoding.DecodeString(dataBase64)
	if err != nil {
		return "", fmt.Errorf("file %s: invalid base64", name)
	}
	mediaDir := filepath.Join(s.Config().DataDir(), "media")
	if err := os.MkdirAll(mediaDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(mediaDir, uuid.NewString()[:8]+"-"+filepath.Base(name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// rewriteResponseFiles persists base64 file blobs embedded in a node's
// response to the media dir and replaces them with local paths. Malformed
// or oversized entries are left untouched.
func rewriteResponseFiles(s *gateway.Server, payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return payload
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return payload
	}
	changed := false
	doc = rewriteFilesValue(s, doc, &changed)
	if !changed {
		return payload
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return payload
	}
	return out
}

func rewriteFilesValue(s *gateway.Server, v any, changed *bool) any {
	switch val := v.(type) {
	case map[string]any:
		b64, hasData := val["dataBase64"].(string)
		name, _ := val["name"].(string)
		if hasData && b64 != "" {
			if name == "" {
				name = "file.bin"
			}
			if path, err := persistFile(s, name, b64); err == nil {
				delete(val, "dataBase64")
				val["path"] = path
				*changed = true
				return val
			}
		}
		for k, inner := range val {
			val[k] = rewriteFilesValue(s, inner, changed)
		}
		return val
	case []any:
		for i, inner := range val {
			val[i] = rewriteFilesValue(s, inner, changed)
		}
		return val
	default:
		return v
	}
}

func attachPaths(params json.RawMessage, paths []string) json.RawMessage {
	doc := make(map[string]any)
	if len(params) > 0 {
		json.Unmarshal(params, &doc)
	}
	doc["files"] = paths
	return mustMarshal(doc)
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
