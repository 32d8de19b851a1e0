package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arcanafx/effects-server-go/internal/events"
)

func TestBridge_EndToEnd(t *testing.T) {
	srv := newFakeGameServer(t, acceptAll)
	host, port := srv.hostPort(t)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	url := newEventServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"user_action","data":{"player":"alex"}}`))
		<-release
	})

	b := New(Config{
		Host:       host,
		Port:       port,
		Credential: "secret",
		EventURL:   url,
		AckTimeout: time.Second,
	}, zap.NewNop())
	defer b.Close()

	assert.Equal(t, StatusDisconnected, b.State().Status)
	require.True(t, b.Connect(context.Background()).OK())
	assert.Equal(t, StatusDegraded, b.State().Status, "only the command channel is up")

	got := make(chan events.Event, 1)
	errc := make(chan error, 1)
	go func() { errc <- b.Listen(context.Background(), func(e events.Event) { got <- e }) }()

	select {
	case evt := <-got:
		assert.Equal(t, "alex", evt.String("player"))
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
	assert.Equal(t, StatusConnected, b.State().Status)

	require.NoError(t, b.Send(context.Background(), particle(1, 1)))

	b.Close()
	b.Close()
	assert.ErrorIs(t, <-errc, ErrConnectionLost)
	assert.ErrorIs(t, b.Send(context.Background(), particle(1, 1)), ErrNotConnected)
	assert.ErrorIs(t, b.Connect(context.Background()).Err(), ErrClosed)
	assert.Equal(t, StatusDisconnected, b.State().Status)
}

func TestBridge_ResetDropsChannels(t *testing.T) {
	srv := newFakeGameServer(t, acceptAll)
	host, port := srv.hostPort(t)

	b := New(Config{Host: host, Port: port, Credential: "secret"}, zap.NewNop())
	defer b.Close()
	require.True(t, b.Connect(context.Background()).OK())

	b.Reset()
	cmd, _ := b.Channels()
	assert.Equal(t, StatusDisconnected, cmd.Status)
	assert.ErrorIs(t, b.Send(context.Background(), particle(1, 1)), ErrNotConnected)

	require.True(t, b.Connect(context.Background()).OK())
	assert.NoError(t, b.Send(context.Background(), particle(1, 1)))
}

func TestConnectResult(t *testing.T) {
	assert.NoError(t, Connected().Err())
	assert.True(t, Connected().OK())
	assert.ErrorIs(t, Failed(nil).Err(), ErrNotConnected)
	assert.ErrorIs(t, Failed(ErrAuthFailed).Err(), ErrAuthFailed)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "CONNECTED", StatusConnected.String())
	assert.Equal(t, "DEGRADED", StatusDegraded.String())
	assert.Equal(t, "UNKNOWN", Status(42).String())
}
