package service

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/surething-project/SmartSpace-sub004/internal/metrics"
	"github.com/surething-project/SmartSpace-sub004/internal/model"
)

// Sender broadcasts alive pings over one transport
type Sender interface {
	SendAlivePing(ctx context.Context, msg *model.HeartbeatMessage) error
}

// SyncTrigger decides whether a connected agent's hash calls for a delta
// fetch or a full resync
type SyncTrigger interface {
	CheckKORUpdate(ctx context.Context, agentID, remoteHash string)
}

// HashSource supplies the current repository hash
type HashSource interface {
	CurrentHash() string
}

// PingOutcome is what handling one inbound ping resulted in
type PingOutcome string

const (
	PingIgnoredSelf       PingOutcome = "self"
	PingRefreshed         PingOutcome = "refreshed"
	PingUnauthenticated   PingOutcome = "unauthenticated"
	PingRejected          PingOutcome = "rejected"
	PingPromoted          PingOutcome = "promoted"
	PingStoredUnconnected PingOutcome = "unconnected"
	PingFailed            PingOutcome = "failed"
)

// HeartbeatConfig holds alive ping configuration
type HeartbeatConfig struct {
	AgentID     string
	CAPublicKey string
	Endpoints   []string
	// Interval is the sending period; 0 disables periodic sending
	Interval time.Duration
}

// HeartbeatHandler sends periodic alive pings and drives the remote agent
// state machine Unknown -> Unconnected -> Connected from inbound pings
type HeartbeatHandler struct {
	config   *HeartbeatConfig
	registry AgentRegistry
	sync     SyncTrigger
	hashes   HashSource
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *zap.Logger

	sendersMu sync.RWMutex
	senders   []Sender

	// mu serializes inbound ping handling
	mu sync.Mutex
}

// NewHeartbeatHandler creates a heartbeat handler
func NewHeartbeatHandler(cfg *HeartbeatConfig, registry AgentRegistry, trigger SyncTrigger, hashes HashSource, clk clock.Clock, m *metrics.Metrics, logger *zap.Logger) *HeartbeatHandler {
	if clk == nil {
		clk = clock.New()
	}
	return &HeartbeatHandler{
		config:   cfg,
		registry: registry,
		sync:     trigger,
		hashes:   hashes,
		clock:    clk,
		metrics:  m,
		logger:   logger,
	}
}

// AddSender registers a transport for outbound pings
func (h *HeartbeatHandler) AddSender(s Sender) {
	h.sendersMu.Lock()
	defer h.sendersMu.Unlock()
	h.senders = append(h.senders, s)
}

// BuildAlivePing assembles the local heartbeat message
func (h *HeartbeatHandler) BuildAlivePing() *model.HeartbeatMessage {
	return &model.HeartbeatMessage{
		AgentID:        h.config.AgentID,
		NetworkSize:    h.registry.KnownNetworkSize(),
		CAPublicKey:    h.config.CAPublicKey,
		Endpoints:      append([]string(nil), h.config.Endpoints...),
		GroupID:        h.registry.GetMulticastGroupKeyHash(),
		RepositoryHash: h.hashes.CurrentHash(),
	}
}

// SendNow broadcasts one alive ping over every sender in parallel
func (h *HeartbeatHandler) SendNow(ctx context.Context) error {
	h.sendersMu.RLock()
	senders := append([]Sender(nil), h.senders...)
	h.sendersMu.RUnlock()

	if len(senders) == 0 {
		return nil
	}

	msg := h.BuildAlivePing()
	p := pool.New().WithContext(ctx)
	for _, s := range senders {
		s := s
		p.Go(func(ctx context.Context) error {
			return s.SendAlivePing(ctx, msg)
		})
	}
	err := p.Wait()

	if h.metrics != nil {
		h.metrics.PingsSentTotal.Inc()
	}
	if err != nil {
		h.logger.Warn("Failed to send alive ping",
			zap.Int("senders", len(senders)),
			zap.Error(err))
		return err
	}
	return nil
}

// Run sends alive pings every Interval until ctx is cancelled. A zero
// interval disables periodic sending.
func (h *HeartbeatHandler) Run(ctx context.Context) error {
	if h.config.Interval <= 0 {
		h.logger.Info("Periodic alive pings disabled")
		return nil
	}

	ticker := h.clock.Ticker(h.config.Interval)
	defer ticker.Stop()

	h.logger.Info("Heartbeat sender started", zap.Duration("interval", h.config.Interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = h.SendNow(ctx)
		}
	}
}

// HandleAlivePing processes one inbound ping. Pings are handled one at a
// time and a failure while handling one never propagates to the caller.
func (h *HeartbeatHandler) HandleAlivePing(ctx context.Context, ping *model.HeartbeatMessage, authenticated bool) (outcome PingOutcome) {
	h.mu.Lock()
	defer h.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Alive ping handling panicked",
				zap.Any("panic", r),
				zap.Stack("stack"))
			outcome = PingFailed
		}
		if h.metrics != nil {
			h.metrics.PingsReceivedTotal.WithLabelValues(string(outcome)).Inc()
		}
	}()

	return h.handle(ctx, ping, authenticated)
}

func (h *HeartbeatHandler) handle(ctx context.Context, ping *model.HeartbeatMessage, authenticated bool) PingOutcome {
	if ping == nil || ping.AgentID == "" {
		h.logger.Warn("Dropped malformed alive ping")
		return PingFailed
	}
	if ping.AgentID == h.config.AgentID {
		return PingIgnoredSelf
	}

	if h.registry.IsAgentConnected(ping.AgentID) {
		if !authenticated {
			h.logger.Debug("Ignoring unauthenticated ping from connected agent",
				zap.String("agent_id", ping.AgentID))
			return PingUnauthenticated
		}
		h.registry.StoreAlivePingToConnectedKAs(ping)
		h.sync.CheckKORUpdate(ctx, ping.AgentID, ping.RepositoryHash)
		return PingRefreshed
	}

	if !authenticated {
		h.logger.Info("Rejected unauthenticated ping from unknown agent",
			zap.String("agent_id", ping.AgentID))
		return PingRejected
	}
	if ping.CAPublicKey != h.config.CAPublicKey {
		h.logger.Warn("Rejected ping signed under a foreign CA",
			zap.String("agent_id", ping.AgentID))
		return PingRejected
	}

	if ping.GroupID == h.registry.GetMulticastGroupKeyHash() {
		h.registry.AddAgentToConnectedKAList(ping)
		h.registry.StoreAlivePingToConnectedKAs(ping)
		return PingPromoted
	}

	h.registry.AddAgentToUnconnectedKAList(ping)
	h.registry.StoreAlivePingToUnconnectedKAs(ping)
	h.logger.Debug("Agent from another group stored as unconnected",
		zap.String("agent_id", ping.AgentID),
		zap.String("group_id", ping.GroupID))
	return PingStoredUnconnected
}
