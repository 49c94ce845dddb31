package service

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/surething-project/SmartSpace-sub004/internal/codec"
	"github.com/surething-project/SmartSpace-sub004/internal/errors"
	"github.com/surething-project/SmartSpace-sub004/internal/metrics"
	"github.com/surething-project/SmartSpace-sub004/internal/model"
)

// MockPingHandler is a mock implementation of PingHandler
type MockPingHandler struct {
	mock.Mock
}

func (m *MockPingHandler) HandleAlivePing(ctx context.Context, ping *model.HeartbeatMessage, authenticated bool) PingOutcome {
	return m.Called(ctx, ping, authenticated).Get(0).(PingOutcome)
}

func testPing(agentID, hash string) *model.HeartbeatMessage {
	return &model.HeartbeatMessage{
		AgentID:        agentID,
		NetworkSize:    2,
		CAPublicKey:    "ca-key",
		Endpoints:      []string{"coap://10.0.0.2:5683"},
		GroupID:        "g1",
		RepositoryHash: hash,
	}
}

func TestGossipService_QueuedPingsReplaceOlderOnes(t *testing.T) {
	gs := newGossipDelegate(&GossipConfig{AgentID: "ka1"}, new(MockPingHandler), metrics.NewNopMetrics(), zap.NewNop())
	ctx := context.Background()

	require.NoError(t, gs.SendAlivePing(ctx, testPing("ka1", "H1")))
	require.NoError(t, gs.SendAlivePing(ctx, testPing("ka1", "H2")))
	assert.Equal(t, 1, gs.Pending())

	frames := gs.GetBroadcasts(0, 1400)
	require.Len(t, frames, 1)
	decoded, err := codec.DecodeAlivePing(frames[0])
	require.NoError(t, err)
	assert.Equal(t, "H2", decoded.RepositoryHash)

	state, err := codec.DecodeAlivePing(gs.LocalState(false))
	require.NoError(t, err)
	assert.Equal(t, "H2", state.RepositoryHash)
}

func TestGossipService_DeliversDecodedPings(t *testing.T) {
	for _, tc := range []struct {
		name          string
		secret        string
		authenticated bool
	}{
		{name: "plaintext", authenticated: false},
		{name: "encrypted", secret: "0123456789abcdef", authenticated: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			handler := new(MockPingHandler)
			gs := newGossipDelegate(&GossipConfig{AgentID: "ka1", SecretKey: tc.secret}, handler, metrics.NewNopMetrics(), zap.NewNop())

			ping := testPing("ka2", "H5")
			handler.On("HandleAlivePing", mock.Anything, ping, tc.authenticated).Return(PingRefreshed).Twice()

			gs.NotifyMsg(codec.EncodeAlivePing(ping))
			gs.MergeRemoteState(codec.EncodeAlivePing(ping), true)
			gs.MergeRemoteState(nil, false)

			handler.AssertExpectations(t)
		})
	}
}

func TestGossipService_DropsMalformedAndExcessMessages(t *testing.T) {
	m := metrics.NewNopMetrics()
	handler := new(MockPingHandler)
	gs := newGossipDelegate(&GossipConfig{AgentID: "ka1", InboundRate: 0.001, InboundBurst: 2}, handler, m, zap.NewNop())

	gs.NotifyMsg([]byte{0x7f, 0x01})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GossipDroppedTotal))

	handler.On("HandleAlivePing", mock.Anything, mock.Anything, false).Return(PingRejected).Once()
	gs.NotifyMsg(codec.EncodeAlivePing(testPing("ka2", "H1")))
	gs.NotifyMsg(codec.EncodeAlivePing(testPing("ka2", "H2")))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.GossipDroppedTotal))
	handler.AssertExpectations(t)
}

func TestGossipService_NodeMeta(t *testing.T) {
	gs := newGossipDelegate(&GossipConfig{AgentID: "ka1", GroupID: "g1"}, new(MockPingHandler), nil, zap.NewNop())

	meta := gs.NodeMeta(512)
	decoded, err := codec.DecodeAlivePing(meta)
	require.NoError(t, err)
	assert.Equal(t, "ka1", decoded.AgentID)
	assert.Equal(t, "g1", decoded.GroupID)

	assert.Nil(t, gs.NodeMeta(2))
}

func TestGossipService_SingleNodeLifecycle(t *testing.T) {
	m := metrics.NewNopMetrics()
	gs, err := NewGossipService(&GossipConfig{
		AgentID:  "ka1",
		GroupID:  "g1",
		BindAddr: "127.0.0.1",
		BindPort: 0,
	}, new(MockPingHandler), m, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, []string{"ka1"}, gs.Members())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GossipMembers))
	require.NoError(t, gs.SendAlivePing(context.Background(), testPing("ka1", "H1")))

	require.NoError(t, gs.Shutdown())
	require.NoError(t, gs.Shutdown())

	err = gs.SendAlivePing(context.Background(), testPing("ka1", "H2"))
	assert.True(t, errors.Is(err, errors.ErrCodeUnavailable))
}
