package transport

import (
	"context"
	"testing"
	"time"

	"github.com/richinsley/gorenderbridge/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T, channels ...protocol.Channel) (host, worker Set) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub, err := Listen("bridge-1", channels, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		var err error
		worker, err = DialAll(ctx, "bridge-1", hub.Addresses(), nil)
		done <- err
	}()
	host, err = hub.Accept(ctx)
	require.NoError(t, err)
	require.NoError(t, <-done)
	t.Cleanup(func() {
		host.Close()
		worker.Close()
	})
	return host, worker
}

func TestHandshakeConnectsEveryChannel(t *testing.T) {
	host, worker := connect(t, protocol.Channels...)
	assert.Len(t, host, len(protocol.Channels))
	assert.Len(t, worker, len(protocol.Channels))
	for _, ch := range protocol.Channels {
		assert.Equal(t, ch, host[ch].Channel())
	}
}

func TestAcceptTimesOutWithoutWorker(t *testing.T) {
	hub, err := Listen("bridge-2", []protocol.Channel{protocol.ChannelRender}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = hub.Accept(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDialRejectsWrongBridge(t *testing.T) {
	hub, err := Listen("bridge-3", []protocol.Channel{protocol.ChannelRender}, nil)
	require.NoError(t, err)
	defer hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = Dial(ctx, "someone-else", protocol.ChannelRender, hub.Addresses()[protocol.ChannelRender], nil)
	assert.Error(t, err)
}

func TestMessagesArriveInOrder(t *testing.T) {
	host, worker := connect(t, protocol.ChannelRender)

	for i := range 50 {
		require.NoError(t, host[protocol.ChannelRender].Send(&protocol.Render{ViewportID: 1, Seq: uint64(i)}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := range 50 {
		m, err := worker[protocol.ChannelRender].Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), m.(*protocol.Render).Seq)
	}

	m, ok, err := worker[protocol.ChannelRender].TryRecv()
	assert.Nil(t, m)
	assert.False(t, ok)
	assert.NoError(t, err)
}

func TestWrongChannelMessagesAreDropped(t *testing.T) {
	host, worker := connect(t, protocol.ChannelRender)

	require.NoError(t, host[protocol.ChannelRender].Send(&protocol.CompileMaterial{Path: "x"}))
	require.NoError(t, host[protocol.ChannelRender].Send(&protocol.Render{ViewportID: 7}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := worker[protocol.ChannelRender].Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), m.(*protocol.Render).ViewportID)
}

func TestQueuedMessagesSurviveConnectionLoss(t *testing.T) {
	host, worker := connect(t, protocol.ChannelMaterial)
	hc, wc := host[protocol.ChannelMaterial], worker[protocol.ChannelMaterial]

	require.NoError(t, wc.Send(&protocol.Material{Path: "a"}))
	require.Eventually(t, hc.Poll, 5*time.Second, time.Millisecond)
	require.NoError(t, wc.Close())

	select {
	case <-hc.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("host did not notice the closed channel")
	}

	m, ok, err := hc.TryRecv()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", m.(*protocol.Material).Path)

	_, ok, err = hc.TryRecv()
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrConnectionLost)

	_, err = hc.Recv(context.Background())
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.ErrorIs(t, wc.Send(&protocol.Material{}), ErrConnectionLost)
}
