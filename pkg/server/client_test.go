package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Noma-Machiko/image-chooser-classic/internal/config"
	"github.com/Noma-Machiko/image-chooser-classic/internal/logger"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/broker"
	"github.com/Noma-Machiko/image-chooser-classic/pkg/types"
)

func startTestServer(t *testing.T, env *testEnv) *Server {
	t.Helper()
	cfg := config.DefaultAPIServerConfig()
	cfg.Port = 0

	srv, err := NewServer(cfg, env.handler, logger.Nop())
	require.NoError(t, err)
	require.NotZero(t, srv.Port())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, srv.Stop(ctx))
		require.NoError(t, <-errCh, "graceful stop is not an error")
	})
	return srv
}

func TestClientRoundTrip(t *testing.T) {
	env := createTestHandler(t)
	srv := startTestServer(t, env)
	client := NewClient("http://" + srv.Addr() + "/")
	ctx := context.Background()

	type waitResult struct {
		sel types.Selection
		err error
	}
	done := make(chan waitResult, 1)
	go func() {
		sel, err := env.broker.WaitForSelection(ctx, "7")
		done <- waitResult{sel, err}
	}()

	require.Eventually(t, func() bool {
		pending, err := client.Pending(ctx)
		return err == nil && len(pending) == 1 && pending[0] == "7"
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, client.SendSelection(ctx, "7", types.Selection{2, 0}))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, types.Selection{2, 0}, r.sel)
	case <-time.After(2 * time.Second):
		t.Fatal("selection not delivered")
	}

	health, err := client.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, int64(1), health.Broker.MessagesDelivered)
}

func TestClientStartAndCancel(t *testing.T) {
	env := createTestHandler(t)
	srv := startTestServer(t, env)
	client := NewClient("http://" + srv.Addr())
	ctx := context.Background()

	require.NoError(t, client.Start(ctx))
	assert.Equal(t, uint64(1), env.broker.Generation())

	require.NoError(t, client.Cancel(ctx))
	_, err := env.broker.WaitForMessage(ctx, "1")
	assert.True(t, broker.IsCancelled(err))
}

func TestClientErrors(t *testing.T) {
	env := createTestHandler(t)
	srv := startTestServer(t, env)
	client := NewClient("http://" + srv.Addr())

	err := client.SendMessage(context.Background(), "", "1")
	require.NoError(t, err, "an empty id is forwarded as-is")

	unreachable := NewClient("http://127.0.0.1:1")
	_, err = unreachable.Pending(context.Background())
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
}
