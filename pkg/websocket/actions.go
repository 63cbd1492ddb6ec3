package websocket

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Terminal actions (client -> server, server -> client)
	ActionTerminalInput  = "terminal_input"
	ActionTerminalOutput = "terminal_output"

	// File system actions (bidirectional)
	ActionFileSystem = "file_system"

	// Container status (client -> server request, server -> client response)
	ActionContainerStatus = "container_status"

	// Error notifications (server -> client)
	ActionError = "error"
)

// File system operation names carried in FileSystemRequest.Action
const (
	FSActionRead            = "read"
	FSActionWrite           = "write"
	FSActionList            = "list"
	FSActionCreateFile      = "create_file"
	FSActionCreateDirectory = "create_directory"
	FSActionDelete          = "delete"
)

// TerminalInputRequest is the payload for terminal_input messages
type TerminalInputRequest struct {
	SessionKey string `json:"sessionKey"`
	Command    string `json:"command"`
}

// TerminalOutputPayload is the payload for terminal_output messages
type TerminalOutputPayload struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// FileSystemRequest is the payload for file_system messages
type FileSystemRequest struct {
	SessionKey string `json:"sessionKey"`
	Action     string `json:"action"`
	Path       string `json:"path"`
	Content    string `json:"content,omitempty"`
}

// FileSystemPayload is the server response for file_system messages
type FileSystemPayload struct {
	Action  string   `json:"action"`
	Path    string   `json:"path,omitempty"`
	Content string   `json:"content,omitempty"`
	Entries []string `json:"entries,omitempty"`
	OK      bool     `json:"ok"`
}

// ContainerStatusRequest is the payload for container_status messages
type ContainerStatusRequest struct {
	SessionKey string `json:"sessionKey"`
}

// ContainerStatusPayload is the server response for container_status messages
type ContainerStatusPayload struct {
	Status string `json:"status"`
	Handle string `json:"handle,omitempty"`
}
