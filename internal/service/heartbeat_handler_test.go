package service

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/surething-project/SmartSpace-sub004/internal/metrics"
	"github.com/surething-project/SmartSpace-sub004/internal/model"
)

// MockAgentRegistry is a mock implementation of AgentRegistry
type MockAgentRegistry struct {
	mock.Mock
}

func (m *MockAgentRegistry) IsAgentConnected(agentID string) bool {
	return m.Called(agentID).Bool(0)
}

func (m *MockAgentRegistry) AddAgentToConnectedKAList(ping *model.HeartbeatMessage) {
	m.Called(ping)
}

func (m *MockAgentRegistry) AddAgentToUnconnectedKAList(ping *model.HeartbeatMessage) {
	m.Called(ping)
}

func (m *MockAgentRegistry) StoreAlivePingToConnectedKAs(ping *model.HeartbeatMessage) {
	m.Called(ping)
}

func (m *MockAgentRegistry) StoreAlivePingToUnconnectedKAs(ping *model.HeartbeatMessage) {
	m.Called(ping)
}

func (m *MockAgentRegistry) GetMulticastGroupKeyHash() string {
	return m.Called().String(0)
}

func (m *MockAgentRegistry) KnownNetworkSize() int {
	return m.Called().Int(0)
}

// MockSyncTrigger is a mock implementation of SyncTrigger
type MockSyncTrigger struct {
	mock.Mock
}

func (m *MockSyncTrigger) CheckKORUpdate(ctx context.Context, agentID, remoteHash string) {
	m.Called(ctx, agentID, remoteHash)
}

// MockSender is a mock implementation of Sender
type MockSender struct {
	mock.Mock
}

func (m *MockSender) SendAlivePing(ctx context.Context, msg *model.HeartbeatMessage) error {
	return m.Called(ctx, msg).Error(0)
}

type staticHash string

func (s staticHash) CurrentHash() string { return string(s) }

func newTestHeartbeatHandler(registry AgentRegistry, trigger SyncTrigger, clk clock.Clock, interval time.Duration) *HeartbeatHandler {
	return NewHeartbeatHandler(&HeartbeatConfig{
		AgentID:     "ka1",
		CAPublicKey: "ca-key",
		Endpoints:   []string{"coap://10.0.0.1:5683"},
		Interval:    interval,
	}, registry, trigger, staticHash("H7"), clk, metrics.NewNopMetrics(), zap.NewNop())
}

func TestHeartbeatHandler_IgnoresSelf(t *testing.T) {
	registry := new(MockAgentRegistry)
	h := newTestHeartbeatHandler(registry, new(MockSyncTrigger), clock.NewMock(), 0)

	outcome := h.HandleAlivePing(context.Background(), &model.HeartbeatMessage{AgentID: "ka1"}, true)
	assert.Equal(t, PingIgnoredSelf, outcome)
	registry.AssertNotCalled(t, "IsAgentConnected", mock.Anything)
}

func TestHeartbeatHandler_ConnectedAgent(t *testing.T) {
	registry := new(MockAgentRegistry)
	trigger := new(MockSyncTrigger)
	h := newTestHeartbeatHandler(registry, trigger, clock.NewMock(), 0)
	ping := &model.HeartbeatMessage{AgentID: "ka2", RepositoryHash: "R2"}

	registry.On("IsAgentConnected", "ka2").Return(true)
	registry.On("StoreAlivePingToConnectedKAs", ping).Return().Once()
	trigger.On("CheckKORUpdate", mock.Anything, "ka2", "R2").Return().Once()

	assert.Equal(t, PingUnauthenticated, h.HandleAlivePing(context.Background(), ping, false))
	assert.Equal(t, PingRefreshed, h.HandleAlivePing(context.Background(), ping, true))

	registry.AssertExpectations(t)
	trigger.AssertExpectations(t)
}

func TestHeartbeatHandler_RejectsUntrustedUnknownAgent(t *testing.T) {
	registry := new(MockAgentRegistry)
	h := newTestHeartbeatHandler(registry, new(MockSyncTrigger), clock.NewMock(), 0)

	registry.On("IsAgentConnected", "ka2").Return(false)

	foreign := &model.HeartbeatMessage{AgentID: "ka2", CAPublicKey: "other-ca", GroupID: "g1"}
	assert.Equal(t, PingRejected, h.HandleAlivePing(context.Background(), foreign, true))

	trusted := &model.HeartbeatMessage{AgentID: "ka2", CAPublicKey: "ca-key", GroupID: "g1"}
	assert.Equal(t, PingRejected, h.HandleAlivePing(context.Background(), trusted, false))

	registry.AssertNotCalled(t, "AddAgentToConnectedKAList", mock.Anything)
	registry.AssertNotCalled(t, "AddAgentToUnconnectedKAList", mock.Anything)
}

func TestHeartbeatHandler_PromotesSameGroup(t *testing.T) {
	registry := new(MockAgentRegistry)
	h := newTestHeartbeatHandler(registry, new(MockSyncTrigger), clock.NewMock(), 0)
	ping := &model.HeartbeatMessage{AgentID: "ka2", CAPublicKey: "ca-key", GroupID: "g1"}

	registry.On("IsAgentConnected", "ka2").Return(false)
	registry.On("GetMulticastGroupKeyHash").Return("g1")
	registry.On("AddAgentToConnectedKAList", ping).Return().Once()
	registry.On("StoreAlivePingToConnectedKAs", ping).Return().Once()

	assert.Equal(t, PingPromoted, h.HandleAlivePing(context.Background(), ping, true))
	registry.AssertExpectations(t)
}

func TestHeartbeatHandler_OtherGroupStaysUnconnected(t *testing.T) {
	registry := new(MockAgentRegistry)
	h := newTestHeartbeatHandler(registry, new(MockSyncTrigger), clock.NewMock(), 0)
	ping := &model.HeartbeatMessage{AgentID: "ka2", CAPublicKey: "ca-key", GroupID: "g2"}

	registry.On("IsAgentConnected", "ka2").Return(false)
	registry.On("GetMulticastGroupKeyHash").Return("g1")
	registry.On("AddAgentToUnconnectedKAList", ping).Return().Once()
	registry.On("StoreAlivePingToUnconnectedKAs", ping).Return().Once()

	assert.Equal(t, PingStoredUnconnected, h.HandleAlivePing(context.Background(), ping, true))
	registry.AssertExpectations(t)
	registry.AssertNotCalled(t, "AddAgentToConnectedKAList", mock.Anything)
}

func TestHeartbeatHandler_SurvivesPanicsAndMalformedPings(t *testing.T) {
	registry := new(MockAgentRegistry)
	h := newTestHeartbeatHandler(registry, new(MockSyncTrigger), clock.NewMock(), 0)

	registry.On("IsAgentConnected", "ka2").Run(func(mock.Arguments) { panic("registry down") }).Return(false)

	assert.Equal(t, PingFailed, h.HandleAlivePing(context.Background(), &model.HeartbeatMessage{AgentID: "ka2"}, true))
	assert.Equal(t, PingFailed, h.HandleAlivePing(context.Background(), nil, true))
	assert.Equal(t, PingFailed, h.HandleAlivePing(context.Background(), &model.HeartbeatMessage{}, true))
}

func TestHeartbeatHandler_StateMachineWithRegistry(t *testing.T) {
	registry := NewInMemoryAgentRegistry("g1", clock.NewMock(), nil, zap.NewNop())
	trigger := new(MockSyncTrigger)
	h := newTestHeartbeatHandler(registry, trigger, clock.NewMock(), 0)
	ctx := context.Background()

	other := &model.HeartbeatMessage{AgentID: "ka2", CAPublicKey: "ca-key", GroupID: "g2"}
	assert.Equal(t, PingStoredUnconnected, h.HandleAlivePing(ctx, other, true))
	assert.Equal(t, model.AgentStateUnconnected, registry.State("ka2"))

	joined := &model.HeartbeatMessage{AgentID: "ka2", CAPublicKey: "ca-key", GroupID: "g1", RepositoryHash: "R1"}
	assert.Equal(t, PingPromoted, h.HandleAlivePing(ctx, joined, true))
	assert.Equal(t, model.AgentStateConnected, registry.State("ka2"))

	trigger.On("CheckKORUpdate", mock.Anything, "ka2", "R1").Return().Once()
	assert.Equal(t, PingRefreshed, h.HandleAlivePing(ctx, joined, true))
	trigger.AssertExpectations(t)
}

func TestHeartbeatHandler_SendNowBroadcastsToEverySender(t *testing.T) {
	registry := new(MockAgentRegistry)
	registry.On("KnownNetworkSize").Return(3)
	registry.On("GetMulticastGroupKeyHash").Return("g1")
	h := newTestHeartbeatHandler(registry, new(MockSyncTrigger), clock.NewMock(), 0)

	expected := &model.HeartbeatMessage{
		AgentID:        "ka1",
		NetworkSize:    3,
		CAPublicKey:    "ca-key",
		Endpoints:      []string{"coap://10.0.0.1:5683"},
		GroupID:        "g1",
		RepositoryHash: "H7",
	}

	ok := new(MockSender)
	ok.On("SendAlivePing", mock.Anything, expected).Return(nil).Once()
	failing := new(MockSender)
	failing.On("SendAlivePing", mock.Anything, expected).Return(assert.AnError).Once()

	require.NoError(t, h.SendNow(context.Background()))

	h.AddSender(ok)
	h.AddSender(failing)
	err := h.SendNow(context.Background())
	assert.ErrorIs(t, err, assert.AnError)

	ok.AssertExpectations(t)
	failing.AssertExpectations(t)
}

func TestHeartbeatHandler_RunSendsPeriodically(t *testing.T) {
	registry := new(MockAgentRegistry)
	registry.On("KnownNetworkSize").Return(1)
	registry.On("GetMulticastGroupKeyHash").Return("g1")
	clk := clock.NewMock()
	h := newTestHeartbeatHandler(registry, new(MockSyncTrigger), clk, 3*time.Second)

	sent := make(chan struct{}, 16)
	sender := new(MockSender)
	sender.On("SendAlivePing", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { sent <- struct{}{} }).
		Return(nil)
	h.AddSender(sender)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	require.Eventually(t, func() bool {
		clk.Add(3 * time.Second)
		return len(sent) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestHeartbeatHandler_ZeroIntervalDisablesSending(t *testing.T) {
	h := newTestHeartbeatHandler(new(MockAgentRegistry), new(MockSyncTrigger), clock.NewMock(), 0)
	assert.NoError(t, h.Run(context.Background()))
}
