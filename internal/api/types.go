package api

// IssueGrantRequest is the body of POST /v1/grants.
type IssueGrantRequest struct {
	ResourcePath string `json:"resource_path"`
	TTLMinutes   int    `json:"ttl_minutes,omitempty"`
}

// IssueGrantResponse carries the issued grant. The resource path is never
// echoed back; the URL is all a client needs.
type IssueGrantResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"` // unix ms
	Signature string `json:"signature"`
	URL       string `json:"url"`
}

// StatusResponse summarizes the orchestrator's view for dashboards.
type StatusResponse struct {
	ThreatLevel string `json:"threat_level"`
	Alerts      int    `json:"alerts"`
	Blocked     bool   `json:"blocked"`
}

// ErrorResp is the uniform JSON error body.
type ErrorResp struct {
	Detail string `json:"detail"`
}
