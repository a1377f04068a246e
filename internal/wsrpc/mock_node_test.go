package wsrpc

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// mockNode is a minimal pubsub endpoint: it answers pings, confirms
// subscribe/unsubscribe requests, and lets tests push notification
// frames.
type mockNode struct {
	t   *testing.T
	srv *httptest.Server

	requests chan Request
	nextSub  atomic.Int64

	// confirm controls the reply to each request. The default assigns
	// the next subscription id.
	confirm func(req Request) string

	mu    sync.Mutex
	conns []net.Conn
}

func newMockNode(t *testing.T) *mockNode {
	t.Helper()

	n := &mockNode{
		t:        t,
		requests: make(chan Request, 64),
	}
	n.nextSub.Store(1000)

	n.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		n.mu.Lock()
		n.conns = append(n.conns, conn)
		n.mu.Unlock()
		go n.serve(conn)
	}))
	t.Cleanup(n.srv.Close)
	return n
}

func (n *mockNode) url() string {
	return "ws" + strings.TrimPrefix(n.srv.URL, "http")
}

func (n *mockNode) serve(conn net.Conn) {
	// n.mu guards every server-side write so replies, pushed frames,
	// and control answers never interleave on the wire.
	ctrl := wsutil.ControlFrameHandler(conn, ws.StateServerSide)
	lockedCtrl := func(hdr ws.Header, rd io.Reader) error {
		n.mu.Lock()
		defer n.mu.Unlock()
		return ctrl(hdr, rd)
	}
	rd := &wsutil.Reader{
		Source:         conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: lockedCtrl,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}
		if hdr.OpCode.IsControl() {
			if err := lockedCtrl(hdr, rd); err != nil {
				return
			}
			continue
		}

		payload, err := io.ReadAll(rd)
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			continue
		}

		select {
		case n.requests <- req:
		default:
		}

		var reply string
		if n.confirm != nil {
			reply = n.confirm(req)
		} else {
			reply = n.defaultConfirm(req)
		}
		if reply != "" {
			n.mu.Lock()
			_ = wsutil.WriteServerText(conn, []byte(reply))
			n.mu.Unlock()
		}
	}
}

func (n *mockNode) defaultConfirm(req Request) string {
	switch req.Method {
	case MethodLogsUnsubscribe, MethodAccountUnsubscribe:
		return fmt.Sprintf(`{"jsonrpc":"2.0","result":true,"id":%d}`, req.ID)
	default:
		return fmt.Sprintf(`{"jsonrpc":"2.0","result":%d,"id":%d}`, n.nextSub.Add(1), req.ID)
	}
}

// push writes a raw frame to every live client connection.
func (n *mockNode) push(frame string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, conn := range n.conns {
		_ = wsutil.WriteServerText(conn, []byte(frame))
	}
}

// dropConnections closes the server side of every transport.
func (n *mockNode) dropConnections() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, conn := range n.conns {
		_ = conn.Close()
	}
	n.conns = nil
}
