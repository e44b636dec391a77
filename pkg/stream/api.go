package stream

type GenerationRequest struct {
	ProjectName        string `json:"projectName"`
	ProjectDescription string `json:"projectDescription"`
	WorkspacePath      string `json:"workspacePath,omitempty"`
	SessionID          string `json:"sessionId,omitempty"`
}

type GenerationResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	ProjectPath string `json:"projectPath,omitempty"`
	Error       string `json:"error,omitempty"`
}

type SubscriptionResponse struct {
	Success            bool   `json:"success"`
	Message            string `json:"message,omitempty"`
	SessionID          string `json:"sessionId"`
	WebSocketSessionID string `json:"webSocketSessionId"`
	Error              string `json:"error,omitempty"`
}

type StatusResponse struct {
	SessionID       string `json:"sessionId"`
	SubscriberCount int    `json:"subscriberCount"`
	Status          string `json:"status"`
}

type HealthResponse struct {
	Status            string `json:"status"`
	Timestamp         int64  `json:"timestamp"`
	ActiveConnections int    `json:"activeConnections"`
}

type ConnectionsResponse struct {
	ActiveConnections int `json:"activeConnections"`
}

type WebSocketStatsResponse struct {
	ActiveConnections int   `json:"activeConnections"`
	Timestamp         int64 `json:"timestamp"`
}
