package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/surething-project/SmartSpace-sub004/internal/codec"
	"github.com/surething-project/SmartSpace-sub004/internal/errors"
	"github.com/surething-project/SmartSpace-sub004/internal/metrics"
	"github.com/surething-project/SmartSpace-sub004/internal/model"
)

// PingHandler consumes alive pings received from peers
type PingHandler interface {
	HandleAlivePing(ctx context.Context, ping *model.HeartbeatMessage, authenticated bool) PingOutcome
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	AgentID        string
	GroupID        string
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
	// SecretKey enables memberlist encryption; only members holding the key
	// can send, so pings are trusted as authenticated
	SecretKey    string
	InboundRate  float64
	InboundBurst int
}

// GossipService carries alive pings between agents over memberlist
type GossipService struct {
	config     *GossipConfig
	memberlist *memberlist.Memberlist
	broadcasts *memberlist.TransmitLimitedQueue
	handler    PingHandler
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	logger     *zap.Logger

	// members is maintained from membership events; memberlist holds its
	// node lock while delivering them
	members atomic.Int64

	mu       sync.RWMutex
	lastPing []byte
	closed   bool
}

var _ Sender = (*GossipService)(nil)
var _ memberlist.Delegate = (*GossipService)(nil)

// newGossipDelegate builds the delegate side of the service without
// touching the network
func newGossipDelegate(cfg *GossipConfig, handler PingHandler, m *metrics.Metrics, logger *zap.Logger) *GossipService {
	limit := rate.Inf
	if cfg.InboundRate > 0 {
		limit = rate.Limit(cfg.InboundRate)
	}
	burst := cfg.InboundBurst
	if burst <= 0 {
		burst = 1
	}

	gs := &GossipService{
		config:  cfg,
		handler: handler,
		limiter: rate.NewLimiter(limit, burst),
		metrics: m,
		logger:  logger,
	}
	gs.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       gs.numMembers,
		RetransmitMult: 3,
	}
	return gs
}

// NewGossipService creates a new gossip service and joins the seed nodes
func NewGossipService(cfg *GossipConfig, handler PingHandler, m *metrics.Metrics, logger *zap.Logger) (*GossipService, error) {
	gs := newGossipDelegate(cfg, handler, m, logger)

	// Configure memberlist
	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = cfg.AgentID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	if cfg.SecretKey != "" {
		mlConfig.SecretKey = []byte(cfg.SecretKey)
	}
	mlConfig.Logger = zap.NewStdLog(logger.Named("memberlist"))
	mlConfig.Delegate = gs
	mlConfig.Events = &GossipEventDelegate{service: gs}

	// Create memberlist
	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}

	gs.mu.Lock()
	gs.memberlist = ml
	gs.mu.Unlock()

	// Join seed nodes
	if len(cfg.SeedNodes) > 0 {
		joined, err := ml.Join(cfg.SeedNodes)
		if err != nil {
			logger.Warn("Failed to join some seed nodes",
				zap.Strings("seed_nodes", cfg.SeedNodes),
				zap.Int("joined", joined),
				zap.Error(err))
		}
	}

	logger.Info("Gossip transport started",
		zap.String("bind_addr", mlConfig.BindAddr),
		zap.Int("bind_port", cfg.BindPort),
		zap.Bool("encrypted", gs.authenticated()))
	return gs, nil
}

func (s *GossipService) numMembers() int {
	if n := int(s.members.Load()); n > 0 {
		return n
	}
	return 1
}

func (s *GossipService) authenticated() bool {
	return s.config.SecretKey != ""
}

// SendAlivePing queues msg for gossip to every member. A newer ping of the
// same agent replaces one still waiting in the queue.
func (s *GossipService) SendAlivePing(ctx context.Context, msg *model.HeartbeatMessage) error {
	frame := codec.EncodeAlivePing(msg)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.Unavailable("gossip transport is shut down", nil)
	}
	s.lastPing = frame
	s.mu.Unlock()

	s.broadcasts.QueueBroadcast(&pingBroadcast{agentID: msg.AgentID, frame: frame})
	return nil
}

// Pending returns the number of queued broadcasts
func (s *GossipService) Pending() int {
	return s.broadcasts.NumQueued()
}

// Members lists the names of the live members
func (s *GossipService) Members() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.memberlist == nil {
		return nil
	}
	members := s.memberlist.Members()
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.Name)
	}
	return names
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	meta := codec.EncodeAlivePing(&model.HeartbeatMessage{
		AgentID: s.config.AgentID,
		GroupID: s.config.GroupID,
	})
	if len(meta) > limit {
		s.logger.Warn("Node metadata exceeds memberlist limit",
			zap.Int("size", len(meta)),
			zap.Int("limit", limit))
		return nil
	}
	return meta
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {
	if !s.limiter.Allow() {
		s.dropped("rate_limited", nil)
		return
	}
	s.deliver(data)
}

func (s *GossipService) deliver(data []byte) {
	if len(data) == 0 {
		return
	}
	// memberlist reuses the buffer after the callback returns
	frame := append([]byte(nil), data...)

	msgType, err := codec.PeekType(frame)
	if err != nil {
		s.dropped("malformed", err)
		return
	}
	if msgType != codec.MessageTypeAlivePing {
		s.dropped("unknown_type", nil)
		return
	}
	ping, err := codec.DecodeAlivePing(frame)
	if err != nil {
		s.dropped("malformed", err)
		return
	}

	outcome := s.handler.HandleAlivePing(context.Background(), ping, s.authenticated())
	s.logger.Debug("Received alive ping",
		zap.String("agent_id", ping.AgentID),
		zap.String("outcome", string(outcome)))
}

func (s *GossipService) dropped(reason string, err error) {
	if s.metrics != nil {
		s.metrics.GossipDroppedTotal.Inc()
	}
	s.logger.Debug("Dropped gossip message",
		zap.String("reason", reason),
		zap.Error(err))
}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return s.broadcasts.GetBroadcasts(overhead, limit)
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.lastPing...)
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {
	s.deliver(buf)
}

// Shutdown leaves the cluster and shuts down the gossip service
func (s *GossipService) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ml := s.memberlist
	s.mu.Unlock()

	s.broadcasts.Reset()
	if ml == nil {
		return nil
	}
	if err := ml.Leave(time.Second); err != nil {
		s.logger.Warn("Failed to leave gossip cluster", zap.Error(err))
	}
	return ml.Shutdown()
}

// pingBroadcast is one queued alive ping
type pingBroadcast struct {
	agentID string
	frame   []byte
}

func (b *pingBroadcast) Invalidates(other memberlist.Broadcast) bool {
	o, ok := other.(*pingBroadcast)
	return ok && o.agentID == b.agentID
}

func (b *pingBroadcast) Message() []byte { return b.frame }

func (b *pingBroadcast) Finished() {}

// GossipEventDelegate handles memberlist events
type GossipEventDelegate struct {
	service *GossipService
}

func (d *GossipEventDelegate) observe(delta int64) {
	n := d.service.members.Add(delta)
	if d.service.metrics != nil {
		d.service.metrics.GossipMembers.Set(float64(n))
	}
}

func metaAgent(node *memberlist.Node) (string, string) {
	if ping, err := codec.DecodeAlivePing(node.Meta); err == nil {
		return ping.AgentID, ping.GroupID
	}
	return node.Name, ""
}

// NotifyJoin is called when a node joins
func (d *GossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	agentID, groupID := metaAgent(node)
	d.service.logger.Info("Member joined",
		zap.String("agent_id", agentID),
		zap.String("group_id", groupID),
		zap.String("addr", node.Address()))
	d.observe(1)
}

// NotifyLeave is called when a node leaves
func (d *GossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Member left",
		zap.String("agent_id", node.Name))
	d.observe(-1)
}

// NotifyUpdate is called when a node is updated
func (d *GossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Member updated",
		zap.String("agent_id", node.Name))
}
