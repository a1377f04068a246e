package wsrpc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rovshanmuradov/solana-dexfeed/internal/metrics"
)

func testManager(t *testing.T, node *mockNode, notify NotifyFunc) *Manager {
	t.Helper()
	m := NewManager(ManagerConfig{
		PrimaryURL:          node.url(),
		ConnectTimeout:      5 * time.Second,
		HealthCheckInterval: time.Hour,
	}, notify, metrics.NewCollector(), zaptest.NewLogger(t))
	t.Cleanup(m.CloseAll)
	return m
}

func TestConn_SubscribeConfirmation(t *testing.T) {
	node := newMockNode(t)
	node.confirm = func(req Request) string {
		return fmt.Sprintf(`{"jsonrpc":"2.0","result":12345,"id":%d}`, req.ID)
	}

	m := testManager(t, node, nil)
	conn, err := m.EnsureConnection(context.Background(), "raydium_v4")
	require.NoError(t, err)

	subID, err := conn.SubscribeLogs(context.Background(), "Program111", "raydium_v4", "processed", KindProgramLogs)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), subID)

	sub, ok := conn.SubscriptionByID(12345)
	require.True(t, ok)
	assert.Equal(t, "Program111", sub.Target)
	assert.Equal(t, KindProgramLogs, sub.Kind)

	// The pending confirmation is cleared once resolved.
	conn.pendingMu.Lock()
	assert.Empty(t, conn.pending)
	conn.pendingMu.Unlock()

	// The request went out with the first id on the connection.
	req := <-node.requests
	assert.Equal(t, uint64(1), req.ID)
	assert.Equal(t, MethodLogsSubscribe, req.Method)
}

func TestConn_SubscribeRejected(t *testing.T) {
	node := newMockNode(t)
	node.confirm = func(req Request) string {
		return fmt.Sprintf(`{"jsonrpc":"2.0","error":{"code":-32602,"message":"Invalid params"},"id":%d}`, req.ID)
	}

	m := testManager(t, node, nil)
	conn, err := m.EnsureConnection(context.Background(), "k")
	require.NoError(t, err)

	_, err = conn.SubscribeLogs(context.Background(), "Program111", "raydium_v4", "processed", KindProgramLogs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid params")
	assert.Empty(t, conn.Subscriptions())
}

func TestConn_RequestIDsMonotonic(t *testing.T) {
	node := newMockNode(t)
	m := testManager(t, node, nil)

	conn, err := m.EnsureConnection(context.Background(), "k")
	require.NoError(t, err)

	_, err = conn.SubscribeLogs(context.Background(), "A", "raydium_v4", "processed", KindProgramLogs)
	require.NoError(t, err)
	_, err = conn.SubscribeAccount(context.Background(), "B", "pumpswap")
	require.NoError(t, err)

	first := <-node.requests
	second := <-node.requests
	assert.Equal(t, uint64(1), first.ID)
	assert.Equal(t, uint64(2), second.ID)
}

func TestConn_Unsubscribe(t *testing.T) {
	node := newMockNode(t)
	m := testManager(t, node, nil)

	conn, err := m.EnsureConnection(context.Background(), "k")
	require.NoError(t, err)

	subID, err := conn.SubscribeAccount(context.Background(), "PoolAddr", "pumpswap")
	require.NoError(t, err)
	require.Len(t, conn.Subscriptions(), 1)

	require.NoError(t, conn.Unsubscribe(context.Background(), subID, KindAccount))
	assert.Empty(t, conn.Subscriptions())

	<-node.requests // subscribe
	req := <-node.requests
	assert.Equal(t, MethodAccountUnsubscribe, req.Method)
}

func TestConn_NotificationRouting(t *testing.T) {
	node := newMockNode(t)

	envs := make(chan *Envelope, 4)
	m := testManager(t, node, func(_ *Conn, env *Envelope) {
		envs <- env
	})

	conn, err := m.EnsureConnection(context.Background(), "k")
	require.NoError(t, err)

	subID, err := conn.SubscribeLogs(context.Background(), "Program111", "raydium_v4", "processed", KindProgramLogs)
	require.NoError(t, err)

	// Garbage first: it must be dropped without killing the loop.
	node.push(`{not json`)
	node.push(fmt.Sprintf(
		`{"jsonrpc":"2.0","method":"logsNotification","params":{"subscription":%d,"result":{"value":{"signature":"sig1","logs":["a","b"],"err":null}}}}`,
		subID))

	select {
	case env := <-envs:
		assert.Equal(t, FrameLogsNotification, env.Classify())
		assert.Equal(t, subID, env.Params.Subscription)

		var value LogsValue
		require.NoError(t, json.Unmarshal(env.Params.Result.Value, &value))
		assert.Equal(t, "sig1", value.Signature)
		assert.Equal(t, []string{"a", "b"}, value.Logs)
		assert.False(t, value.Failed())
	case <-time.After(5 * time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestConn_CloseCancelsPending(t *testing.T) {
	node := newMockNode(t)
	node.confirm = func(Request) string { return "" } // never confirm

	m := testManager(t, node, nil)
	conn, err := m.EnsureConnection(context.Background(), "k")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.SubscribeLogs(context.Background(), "A", "raydium_v4", "processed", KindProgramLogs)
		errCh <- err
	}()

	// Wait for the request to be in flight, then close.
	<-node.requests
	require.NoError(t, conn.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cancel")
	case <-time.After(5 * time.Second):
		t.Fatal("waiter leaked")
	}
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestConn_BrokenTransportMarksDisconnected(t *testing.T) {
	node := newMockNode(t)
	m := testManager(t, node, nil)

	conn, err := m.EnsureConnection(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, conn.Alive())

	node.dropConnections()

	assert.Eventually(t, func() bool {
		return conn.State() == StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)

	// Requests on a dead connection fail fast.
	_, err = conn.SubscribeLogs(context.Background(), "A", "raydium_v4", "processed", KindProgramLogs)
	assert.Error(t, err)
}

// frameTrackingConn watches outbound writes for frame boundaries: once
// a header is written, the following writes must complete that frame's
// payload before the next header starts.
type frameTrackingConn struct {
	net.Conn

	mu        sync.Mutex
	remaining int
	torn      atomic.Bool
}

func (c *frameTrackingConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.remaining > 0 {
		c.remaining -= len(p)
		if c.remaining < 0 {
			c.torn.Store(true)
		}
	} else if len(p) >= 2 {
		c.remaining = framePayloadLen(p)
	}
	return c.Conn.Write(p)
}

func framePayloadLen(header []byte) int {
	switch ln := int(header[1] & 0x7f); ln {
	case 126:
		return int(binary.BigEndian.Uint16(header[2:4]))
	case 127:
		return int(binary.BigEndian.Uint64(header[2:10]))
	default:
		return ln
	}
}

func TestConn_ControlRepliesStayOnFrameBoundaries(t *testing.T) {
	node := newMockNode(t)
	m := testManager(t, node, nil)

	var tracked atomic.Pointer[frameTrackingConn]
	m.SetDialFunc(func(ctx context.Context, url string) (net.Conn, error) {
		raw, _, _, err := ws.Dial(ctx, url)
		if err != nil {
			return nil, err
		}
		tc := &frameTrackingConn{Conn: raw}
		tracked.Store(tc)
		return tc, nil
	})

	conn, err := m.EnsureConnection(context.Background(), "k")
	require.NoError(t, err)

	// Flood the client with pings while it subscribes: every pong reply
	// must wait for the in-flight outbound frame to finish.
	stop := make(chan struct{})
	var flood sync.WaitGroup
	flood.Add(1)
	go func() {
		defer flood.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			node.mu.Lock()
			for _, sc := range node.conns {
				_ = wsutil.WriteServerMessage(sc, ws.OpPing, nil)
			}
			node.mu.Unlock()
			time.Sleep(200 * time.Microsecond)
		}
	}()

	for i := 0; i < 50; i++ {
		_, err := conn.SubscribeLogs(context.Background(),
			fmt.Sprintf("Program%d", i), "raydium_v4", "processed", KindProgramLogs)
		require.NoError(t, err)
	}
	close(stop)
	flood.Wait()

	require.True(t, conn.Alive())
	assert.False(t, tracked.Load().torn.Load(),
		"control reply interleaved with an outbound frame")
}
