package api

import (
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/triage-ai/bastion/internal/grant"
	"go.uber.org/zap"
)

// handleIssueGrant implements POST /v1/grants. Issuance is rate-limited
// per client+resource pair.
func (d *Dependencies) handleIssueGrant(w http.ResponseWriter, r *http.Request) {
	if d.sessionBlocked(w) {
		return
	}

	var req IssueGrantRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.ResourcePath == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "resource_path is required"})
		return
	}

	if d.Limiter != nil {
		key := clientIP(r) + "|" + req.ResourcePath
		if err := d.Limiter.Allow(key); err != nil {
			writeJSON(w, http.StatusTooManyRequests, ErrorResp{Detail: "Rate limit exceeded"})
			return
		}
	}

	ttl := time.Duration(req.TTLMinutes) * time.Minute
	g, err := d.Grants.Issue(req.ResourcePath, ttl)
	if err != nil {
		switch {
		case errors.Is(err, grant.ErrUnsupportedResourceType):
			writeJSON(w, http.StatusUnsupportedMediaType, ErrorResp{Detail: "Unsupported resource type"})
		case errors.Is(err, grant.ErrPayloadTooLarge):
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResp{Detail: "Resource too large"})
		default:
			d.Logger.Error("grant issuance failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Internal error"})
		}
		return
	}

	writeJSON(w, http.StatusOK, IssueGrantResponse{
		Token:     g.Token,
		ExpiresAt: g.ExpiresAt.UnixMilli(),
		Signature: g.Signature,
		URL:       g.URL(d.ProxyBase),
	})
}

// handleAsset implements GET /assets/{token}?exp=<unix_ms>&sig=<hex>.
// Every failure kind collapses into a uniform 403; the reason stays in
// the event stream only.
func (d *Dependencies) handleAsset(w http.ResponseWriter, r *http.Request) {
	if d.sessionBlocked(w) {
		return
	}

	token := r.PathValue("token")
	sig := r.URL.Query().Get("sig")
	exp, err := strconv.ParseInt(r.URL.Query().Get("exp"), 10, 64)
	if err != nil || token == "" || sig == "" {
		forbid(w)
		return
	}

	resourcePath, err := d.Grants.Validate(token, sig, exp)
	if err != nil {
		forbid(w)
		return
	}

	clean := filepath.Clean("/" + resourcePath)
	http.ServeFile(w, r, filepath.Join(d.AssetRoot, clean))
}

// handleStatus implements GET /v1/status.
func (d *Dependencies) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{ThreatLevel: "low"}
	if d.Orch != nil {
		resp.ThreatLevel = d.Orch.ThreatLevel().String()
		resp.Alerts = len(d.Orch.Alerts())
		resp.Blocked = d.Orch.Blocked()
	}
	writeJSON(w, http.StatusOK, resp)
}

// sessionBlocked enforces an irreversible block escalation: once the
// orchestrator blocks the session, every protected route denies.
func (d *Dependencies) sessionBlocked(w http.ResponseWriter) bool {
	if d.Orch != nil && d.Orch.Blocked() {
		forbid(w)
		return true
	}
	return false
}

func forbid(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, ErrorResp{Detail: "Access denied"})
}

// clientIP extracts the caller address, honoring X-Forwarded-For from a
// fronting proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
