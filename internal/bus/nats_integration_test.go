//go:build integration
// +build integration

package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNATSRequestReply(t *testing.T) {
	url := runServer(t)
	logger := zaptest.NewLogger(t)

	server, err := NewNATS(url, NATSOptions{Name: "server"}, logger)
	require.NoError(t, err)
	defer server.Close()
	client, err := NewNATS(url, NATSOptions{Name: "client"}, logger)
	require.NoError(t, err)
	defer client.Close()

	_, err = server.Subscribe("svc.echo", "workers", func(ctx context.Context, msg *Message) ([]byte, error) {
		return append([]byte("echo:"), msg.Data...), nil
	})
	require.NoError(t, err)
	_, err = server.Subscribe("svc.fail", "", func(ctx context.Context, msg *Message) ([]byte, error) {
		return nil, errors.New("handler exploded")
	})
	require.NoError(t, err)
	require.NoError(t, server.Ping(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := client.Request(ctx, "svc.echo", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "echo:hi", string(out))

	_, err = client.Request(ctx, "svc.fail", nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "handler exploded", remote.Message)

	_, err = client.Request(ctx, "svc.missing", nil)
	require.ErrorIs(t, err, ErrNoResponders)
}

func TestNATSGather(t *testing.T) {
	url := runServer(t)
	logger := zaptest.NewLogger(t)

	client, err := NewNATS(url, NATSOptions{Name: "client"}, logger)
	require.NoError(t, err)
	defer client.Close()

	replies, err := client.Gather(context.Background(), "nodes.info", nil, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, replies)

	for _, name := range []string{"a", "b"} {
		node, err := NewNATS(url, NATSOptions{Name: name}, logger)
		require.NoError(t, err)
		defer node.Close()
		reply := []byte(name)
		_, err = node.Subscribe("nodes.info", "", func(ctx context.Context, msg *Message) ([]byte, error) {
			return reply, nil
		})
		require.NoError(t, err)
		require.NoError(t, node.Ping(context.Background()))
	}

	replies, err = client.Gather(context.Background(), "nodes.info", nil, 500*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, replies, 2)
}

func TestNATSDialFailure(t *testing.T) {
	_, err := NewNATS("nats://127.0.0.1:1", NATSOptions{ConnectTimeout: 200 * time.Millisecond}, zaptest.NewLogger(t))
	require.Error(t, err)
}
