package proto

// Auth is sent by client to server as first line on a TCP control connection.
type Auth struct {
	Token  string `json:"token"`
	Name   string `json:"name"`
	Target string `json:"target,omitempty"`
}

// AuthOK server -> client acknowledgement. After it the control connection
// carries only heartbeat and tunnel-id lines.
type AuthOK struct {
	Msg string `json:"msg"`
}

// AuthError server -> client rejection, written before the server closes.
type AuthError struct {
	Error string `json:"error"`
}

// WebSocket endpoints on the gateway's public listener.
const (
	ControlPath = "/_backhaul/control"
	DataPath    = "/_backhaul/data"
	// NameHeader carries the client name next to a Bearer token.
	NameHeader = "X-Backhaul-Name"
)
