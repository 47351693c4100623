package extmodule_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0LEG0/next-yate/extmodule"
	"github.com/0LEG0/next-yate/message"
	"github.com/0LEG0/next-yate/registry"
	"github.com/0LEG0/next-yate/testutil"
)

func TestReconnectReplaysRegistryInOrder(t *testing.T) {
	first := testutil.NewEngine()
	second := testutil.NewEngine()
	scriptSubscriptions(first)
	scriptSubscriptions(second)
	dialer := testutil.NewDialer(first, second)

	cfg := testConfig()
	cfg.Host = "engine.test"
	cfg.Reconnect = true
	cfg.ReconnectWait = 20 * time.Millisecond

	conn, err := extmodule.Connect(context.Background(), cfg, extmodule.WithDialer(dialer.Dial))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// Fresh connection: the handshake leads.
	assert.Equal(t, "%%>connect:global:next-yate:data", first.Recv(t))

	_, err = conn.SetLocal(context.Background(), "bufsize", "4096")
	require.NoError(t, err)
	assert.Equal(t, "%%>setlocal:bufsize:4096", first.Recv(t))

	ok, err := conn.Install(context.Background(), "engine.timer", func(context.Context, *message.Message) (registry.Result, error) {
		return registry.Ignored(), nil
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "%%>install:100:engine.timer", first.Recv(t))

	// Drop the link. After reconnect the engine-visible state is restored in
	// order — connect, setlocals, installs — before anything else.
	require.NoError(t, first.Close())

	assert.Equal(t, "%%>connect:global:next-yate:data", second.Recv(t))
	assert.Equal(t, "%%>setlocal:bufsize:4096", second.Recv(t))
	assert.Equal(t, "%%>install:100:engine.timer", second.Recv(t))
	assert.True(t, conn.Connected())
}

func TestOrderPreservedAcrossDisconnect(t *testing.T) {
	first := testutil.NewEngine()
	second := testutil.NewEngine()
	dialer := testutil.NewDialer(first)

	cfg := testConfig()
	cfg.Host = "engine.test"
	cfg.Reconnect = true
	cfg.ReconnectWait = 20 * time.Millisecond

	conn, err := extmodule.Connect(context.Background(), cfg, extmodule.WithDialer(dialer.Dial))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	first.Recv(t) // handshake

	require.NoError(t, conn.Enqueue(message.New("test.first", "", nil)))
	first.ExpectPrefix(t, "%%>message:")

	// Kill the link; the next submissions park until a new engine appears.
	require.NoError(t, first.Close())
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.Enqueue(message.New("test.second", "", nil)))
	require.NoError(t, conn.Enqueue(message.New("test.third", "", nil)))

	dialer.Add(second)
	assert.Equal(t, "%%>connect:global:next-yate:data", second.Recv(t))
	line := second.ExpectPrefix(t, "%%>message:")
	assert.Contains(t, line, ":test.second:")
	line = second.ExpectPrefix(t, "%%>message:")
	assert.Contains(t, line, ":test.third:")
}
