package gateway

// ExecRequest is the body of POST /api/exec and POST /api/exec/once.
type ExecRequest struct {
	Commands []string `json:"commands"`
}

// ExecResponse carries everything the child printed, or a diagnostic when OK is false.
type ExecResponse struct {
	OK  bool   `json:"ok"`
	Out string `json:"out"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Running  bool `json:"running"`
	PID      int  `json:"pid"`
	Spawns   int  `json:"spawns"`
	Buffered int  `json:"buffered"`
}

// HeartbeatResponse is the body of GET /heartbeat. LastHeartbeat is the previous heartbeat time in RFC 3339.
type HeartbeatResponse struct {
	LastHeartbeat string
}
