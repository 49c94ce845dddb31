package service

import (
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/surething-project/SmartSpace-sub004/internal/metrics"
	"github.com/surething-project/SmartSpace-sub004/internal/model"
)

// AgentRegistry tracks which remote agents this agent knows and trusts
type AgentRegistry interface {
	IsAgentConnected(agentID string) bool
	AddAgentToConnectedKAList(ping *model.HeartbeatMessage)
	AddAgentToUnconnectedKAList(ping *model.HeartbeatMessage)
	StoreAlivePingToConnectedKAs(ping *model.HeartbeatMessage)
	StoreAlivePingToUnconnectedKAs(ping *model.HeartbeatMessage)
	GetMulticastGroupKeyHash() string
	KnownNetworkSize() int
}

// AgentRecord is the registry view of one remote agent
type AgentRecord struct {
	AgentID  string
	State    model.AgentState
	LastPing *model.HeartbeatMessage
	LastSeen int64 // unix nanoseconds of the last stored ping
}

// InMemoryAgentRegistry keeps connected and unconnected agents in memory
type InMemoryAgentRegistry struct {
	groupKeyHash string
	clock        clock.Clock
	metrics      *metrics.Metrics
	logger       *zap.Logger

	mu          sync.RWMutex
	connected   map[string]*AgentRecord
	unconnected map[string]*AgentRecord
}

var _ AgentRegistry = (*InMemoryAgentRegistry)(nil)

// NewInMemoryAgentRegistry creates a registry for the multicast group groupKeyHash
func NewInMemoryAgentRegistry(groupKeyHash string, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *InMemoryAgentRegistry {
	if clk == nil {
		clk = clock.New()
	}
	return &InMemoryAgentRegistry{
		groupKeyHash: groupKeyHash,
		clock:        clk,
		metrics:      m,
		logger:       logger,
		connected:    make(map[string]*AgentRecord),
		unconnected:  make(map[string]*AgentRecord),
	}
}

// IsAgentConnected reports whether agentID has been promoted
func (r *InMemoryAgentRegistry) IsAgentConnected(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.connected[agentID]
	return ok
}

// AddAgentToConnectedKAList promotes the sender of ping, removing it from
// the unconnected list
func (r *InMemoryAgentRegistry) AddAgentToConnectedKAList(ping *model.HeartbeatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.unconnected, ping.AgentID)
	if _, ok := r.connected[ping.AgentID]; !ok {
		r.connected[ping.AgentID] = &AgentRecord{AgentID: ping.AgentID, State: model.AgentStateConnected}
		r.logger.Info("Agent connected",
			zap.String("agent_id", ping.AgentID),
			zap.String("group_id", ping.GroupID))
	}
	r.observe()
}

// AddAgentToUnconnectedKAList records the sender of ping as a known but
// unconnected agent. Connected agents are left untouched.
func (r *InMemoryAgentRegistry) AddAgentToUnconnectedKAList(ping *model.HeartbeatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.connected[ping.AgentID]; ok {
		return
	}
	if _, ok := r.unconnected[ping.AgentID]; !ok {
		r.unconnected[ping.AgentID] = &AgentRecord{AgentID: ping.AgentID, State: model.AgentStateUnconnected}
	}
}

// StoreAlivePingToConnectedKAs stores the latest ping of a connected agent
func (r *InMemoryAgentRegistry) StoreAlivePingToConnectedKAs(ping *model.HeartbeatMessage) {
	r.store(r.connected, ping)
}

// StoreAlivePingToUnconnectedKAs stores the latest ping of an unconnected agent
func (r *InMemoryAgentRegistry) StoreAlivePingToUnconnectedKAs(ping *model.HeartbeatMessage) {
	r.store(r.unconnected, ping)
}

func (r *InMemoryAgentRegistry) store(list map[string]*AgentRecord, ping *model.HeartbeatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := list[ping.AgentID]
	if !ok {
		return
	}
	stored := *ping
	stored.Endpoints = append([]string(nil), ping.Endpoints...)
	rec.LastPing = &stored
	rec.LastSeen = r.clock.Now().UnixNano()
}

// GetMulticastGroupKeyHash returns the group this agent belongs to
func (r *InMemoryAgentRegistry) GetMulticastGroupKeyHash() string {
	return r.groupKeyHash
}

// KnownNetworkSize counts this agent plus every connected agent
func (r *InMemoryAgentRegistry) KnownNetworkSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connected) + 1
}

// State returns the local view of agentID
func (r *InMemoryAgentRegistry) State(agentID string) model.AgentState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.connected[agentID]; ok {
		return model.AgentStateConnected
	}
	if _, ok := r.unconnected[agentID]; ok {
		return model.AgentStateUnconnected
	}
	return model.AgentStateUnknown
}

// Get returns a copy of the record of agentID
func (r *InMemoryAgentRegistry) Get(agentID string) (AgentRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rec, ok := r.connected[agentID]; ok {
		return *rec, true
	}
	if rec, ok := r.unconnected[agentID]; ok {
		return *rec, true
	}
	return AgentRecord{}, false
}

// ConnectedAgents lists connected agent ids in order
func (r *InMemoryAgentRegistry) ConnectedAgents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.connected)
}

// UnconnectedAgents lists unconnected agent ids in order
func (r *InMemoryAgentRegistry) UnconnectedAgents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.unconnected)
}

func sortedKeys(m map[string]*AgentRecord) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *InMemoryAgentRegistry) observe() {
	if r.metrics != nil {
		r.metrics.ConnectedAgents.Set(float64(len(r.connected)))
	}
}
