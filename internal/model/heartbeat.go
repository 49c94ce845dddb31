package model

// HeartbeatMessage is the gossip payload broadcast by every agent
type HeartbeatMessage struct {
	AgentID        string
	NetworkSize    int
	CAPublicKey    string
	Endpoints      []string
	GroupID        string
	RepositoryHash string
}

// AgentState is the local view of a remote agent
type AgentState string

const (
	AgentStateUnknown     AgentState = "unknown"
	AgentStateUnconnected AgentState = "unconnected"
	AgentStateConnected   AgentState = "connected"
)
