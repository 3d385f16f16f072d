package messaging

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/2beens/fitsync/internal/telemetry/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestServer(t *testing.T) (*Server, string, *metrics.Manager, context.Context) {
	t.Helper()

	dir, err := os.MkdirTemp("", "fitsync-msg")
	require.NoError(t, err)

	metricsManager := metrics.NewTestManager()
	socketPath := filepath.Join(dir, "proxy.sock")
	server := NewServer(socketPath, metricsManager)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		server.Wait()
		_ = os.RemoveAll(dir)
	})
	return server, socketPath, metricsManager, ctx
}

func TestServer_RequestReply(t *testing.T) {
	server, socketPath, metricsManager, ctx := newTestServer(t)
	server.Handle(TypeGetVersion, func(ctx context.Context, msg Message) (Message, error) {
		return Message{Type: TypeVersionInfo, Version: "v2"}, nil
	})

	_, err := server.Listen(ctx)
	require.NoError(t, err)

	client := NewClient(socketPath, 2*time.Second)
	reply, err := client.Request(context.Background(), Message{Type: TypeGetVersion, ID: "42"})
	require.NoError(t, err)
	assert.Equal(t, TypeVersionInfo, reply.Type)
	assert.Equal(t, "v2", reply.Version)
	assert.Equal(t, "42", reply.ID)

	// generated id
	reply, err = client.Request(context.Background(), Message{Type: TypeGetVersion})
	require.NoError(t, err)
	assert.NotEmpty(t, reply.ID)

	assert.Equal(t, float64(2), testutil.ToFloat64(metricsManager.CounterMessages.WithLabelValues(string(TypeGetVersion))))
}

func TestServer_UnknownTypeAndHandlerError(t *testing.T) {
	server, socketPath, _, ctx := newTestServer(t)
	server.Handle(TypeSkipWaiting, func(ctx context.Context, msg Message) (Message, error) {
		return Message{}, errors.New("no waiting generation")
	})

	_, err := server.Listen(ctx)
	require.NoError(t, err)

	client := NewClient(socketPath, 2*time.Second)

	reply, err := client.Request(context.Background(), Message{Type: TypeForceReset})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, TypeError, reply.Type)
	assert.Contains(t, err.Error(), "unsupported message type")

	_, err = client.Request(context.Background(), Message{Type: TypeSkipWaiting})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no waiting generation")
}

func TestClient_Timeout(t *testing.T) {
	server, socketPath, _, ctx := newTestServer(t)
	release := make(chan struct{})
	server.Handle(TypeGetVersion, func(ctx context.Context, msg Message) (Message, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return Message{Type: TypeVersionInfo, Version: "late"}, nil
	})

	_, err := server.Listen(ctx)
	require.NoError(t, err)

	client := NewClient(socketPath, 100*time.Millisecond)
	_, err = client.Request(context.Background(), Message{Type: TypeGetVersion})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	close(release)
}

func TestClient_NoServer(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"), time.Second)
	_, err := client.Request(context.Background(), Message{Type: TypeGetVersion})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestServer_Broadcast(t *testing.T) {
	server, socketPath, _, ctx := newTestServer(t)

	_, err := server.Listen(ctx)
	require.NoError(t, err)

	client := NewClient(socketPath, time.Second)
	received := make(chan Message, 1)
	subCtx, subCancel := context.WithCancel(context.Background())
	subDone := make(chan error, 1)
	go func() {
		subDone <- client.Subscribe(subCtx, func(msg Message) { received <- msg })
	}()

	require.Eventually(t, func() bool {
		return server.Broadcast(Message{Type: TypeUpdateAvailable, Version: "v3"}) == 1
	}, 2*time.Second, 20*time.Millisecond)

	select {
	case msg := <-received:
		assert.Equal(t, TypeUpdateAvailable, msg.Type)
		assert.Equal(t, "v3", msg.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast not received")
	}

	subCancel()
	select {
	case err := <-subDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not return")
	}
}

func TestMessage_Err(t *testing.T) {
	assert.NoError(t, Message{Type: TypeAck}.Err())
	assert.EqualError(t, Message{Type: TypeError, Error: "boom"}.Err(), "boom")
	assert.Error(t, Message{Type: TypeError}.Err())

	reply := ErrorReply(Message{ID: "7"}, errors.New("nope"))
	assert.Equal(t, TypeError, reply.Type)
	assert.Equal(t, "7", reply.ID)
}
