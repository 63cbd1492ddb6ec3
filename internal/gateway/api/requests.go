package api

// CreateSessionRequest is the body for POST /api/v1/sessions.
type CreateSessionRequest struct {
	SessionKey string `json:"sessionKey" binding:"required"`
}

// ExecuteCommandRequest is the body for POST /api/v1/sessions/:sessionKey/exec.
type ExecuteCommandRequest struct {
	Command string `json:"command" binding:"required"`
}

// CleanupResponse reports whether a cleanup found a session to tear down.
type CleanupResponse struct {
	Cleaned bool `json:"cleaned"`
}
