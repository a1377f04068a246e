package wsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"
)

// ConnState is the lifecycle state of a connection.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// confirmTimeout bounds every subscribe/unsubscribe round trip.
const confirmTimeout = 30 * time.Second

// Sentinel errors surfaced by subscription round trips.
var (
	ErrClosed  = errors.New("connection closed")
	ErrTimeout = errors.New("confirmation timeout")
)

// confirmResult is the terminal outcome of one pending request:
// Sent -> Confirmed | TimedOut | Rejected. Timeout and cancellation are
// signalled by the channel variant, rejection by err.
type confirmResult struct {
	subscriptionID int64
	err            error
}

// Subscription is a confirmed, live subscription on this connection.
type Subscription struct {
	ID     int64
	Target string
	DEXID  string
	Kind   SubscriptionKind
}

// NotifyFunc receives every classified notification frame read from the
// connection.
type NotifyFunc func(conn *Conn, env *Envelope)

// Conn owns one WebSocket transport: request-id allocation, the
// pending-confirmation map, the subscription table, and the read loop.
type Conn struct {
	Key      string
	Endpoint string

	transport net.Conn
	writeMu   sync.Mutex

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nanos

	requestID atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan confirmResult

	subsMu sync.RWMutex
	subs   map[int64]Subscription

	notify NotifyFunc
	logger *zap.Logger

	done     chan struct{}
	closeOne sync.Once
	wg       sync.WaitGroup
}

// newConn wraps an established transport and starts its read loop. The
// logger is expected to carry the connection context already.
func newConn(key, endpoint string, transport net.Conn, notify NotifyFunc, logger *zap.Logger) *Conn {
	c := &Conn{
		Key:       key,
		Endpoint:  endpoint,
		transport: transport,
		pending:   make(map[uint64]chan confirmResult),
		subs:      make(map[int64]Subscription),
		notify:    notify,
		logger:    logger.Named("conn"),
		done:      make(chan struct{}),
	}
	c.state.Store(int32(StateOpen))
	c.touch()

	c.wg.Add(1)
	go c.readLoop()
	return c
}

// State returns the lifecycle state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// Alive reports whether the connection can carry requests.
func (c *Conn) Alive() bool {
	return c.State() == StateOpen
}

// LastActivity is the time of the last successfully read frame.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// SubscribeLogs issues a logsSubscribe mentioning target and waits for
// the node's confirmation. kind separates program-wide from per-pool
// subscriptions; dexID tags the traffic for the parser registry.
func (c *Conn) SubscribeLogs(ctx context.Context, target, dexID, commitment string, kind SubscriptionKind) (int64, error) {
	subID, err := c.roundTrip(ctx, MethodLogsSubscribe, logsSubscribeParams(target, commitment))
	if err != nil {
		return 0, err
	}
	c.storeSubscription(Subscription{ID: subID, Target: target, DEXID: dexID, Kind: kind})
	return subID, nil
}

// SubscribeAccount issues an accountSubscribe for address.
func (c *Conn) SubscribeAccount(ctx context.Context, address, dexID string) (int64, error) {
	subID, err := c.roundTrip(ctx, MethodAccountSubscribe, accountSubscribeParams(address))
	if err != nil {
		return 0, err
	}
	c.storeSubscription(Subscription{ID: subID, Target: address, DEXID: dexID, Kind: KindAccount})
	return subID, nil
}

// Unsubscribe tears down one subscription. The entry is removed from
// the table regardless of the node's answer: after a rejection the node
// side is unknown, and keeping a dead entry would poison replay.
func (c *Conn) Unsubscribe(ctx context.Context, subscriptionID int64, kind SubscriptionKind) error {
	method := MethodLogsUnsubscribe
	if kind == KindAccount {
		method = MethodAccountUnsubscribe
	}

	c.subsMu.Lock()
	delete(c.subs, subscriptionID)
	c.subsMu.Unlock()

	_, err := c.roundTrip(ctx, method, []any{subscriptionID})
	return err
}

func (c *Conn) storeSubscription(sub Subscription) {
	c.subsMu.Lock()
	c.subs[sub.ID] = sub
	c.subsMu.Unlock()
}

// Subscriptions snapshots the live subscription table, for replay after
// reconnect.
func (c *Conn) Subscriptions() []Subscription {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()

	out := make([]Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		out = append(out, sub)
	}
	return out
}

// SubscriptionByID looks up the subscription a notification belongs to.
func (c *Conn) SubscriptionByID(id int64) (Subscription, bool) {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()

	sub, ok := c.subs[id]
	return sub, ok
}

// roundTrip allocates the next request id, records a pending
// confirmation, sends the request, and waits for the correlated reply.
func (c *Conn) roundTrip(ctx context.Context, method string, params []any) (int64, error) {
	if !c.Alive() {
		return 0, fmt.Errorf("connection %s is %s: %w", c.Key, c.State(), ErrClosed)
	}

	reqID := c.requestID.Add(1)
	waiter := make(chan confirmResult, 1)

	c.pendingMu.Lock()
	c.pending[reqID] = waiter
	c.pendingMu.Unlock()

	discard := func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}

	payload, err := json.Marshal(Request{JSONRPC: "2.0", ID: reqID, Method: method, Params: params})
	if err != nil {
		discard()
		return 0, fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	if err := c.write(payload); err != nil {
		discard()
		return 0, fmt.Errorf("failed to send %s request: %w", method, err)
	}

	timer := time.NewTimer(confirmTimeout)
	defer timer.Stop()

	select {
	case res, ok := <-waiter:
		if !ok {
			return 0, fmt.Errorf("%s request %d cancelled", method, reqID)
		}
		if res.err != nil {
			return 0, fmt.Errorf("%s request %d rejected: %w", method, reqID, res.err)
		}
		return res.subscriptionID, nil
	case <-timer.C:
		discard()
		return 0, fmt.Errorf("%s request %d: %w after %s", method, reqID, ErrTimeout, confirmTimeout)
	case <-ctx.Done():
		discard()
		return 0, ctx.Err()
	case <-c.done:
		return 0, fmt.Errorf("%s request %d cancelled: %w", method, reqID, ErrClosed)
	}
}

func (c *Conn) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientText(c.transport, payload)
}

// Ping sends a WebSocket ping control frame as a cheap liveness nudge.
func (c *Conn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.transport, ws.OpPing, nil)
}

// readLoop processes frames in arrival order until the transport fails
// or Close is called. Invalid frames are logged and dropped; they never
// terminate the loop. The node's control frames are answered under
// writeMu: gobwas writes header and payload separately, so an unlocked
// pong could land mid-frame inside an outbound subscribe.
func (c *Conn) readLoop() {
	defer c.wg.Done()

	ctrl := wsutil.ControlFrameHandler(c.transport, ws.StateClientSide)
	control := func(hdr ws.Header, rd io.Reader) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return ctrl(hdr, rd)
	}

	reader := &wsutil.Reader{
		Source:         c.transport,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	fail := func(err error) {
		select {
		case <-c.done:
		default:
			c.logger.Warn("Read loop terminated", zap.Error(err))
			c.markBroken()
		}
	}

	for {
		hdr, err := reader.NextFrame()
		if err != nil {
			fail(err)
			return
		}
		c.touch()

		if hdr.OpCode.IsControl() {
			if err := control(hdr, reader); err != nil {
				fail(err)
				return
			}
			continue
		}

		payload, err := io.ReadAll(reader)
		if err != nil {
			fail(err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			c.logger.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}

		switch env.Classify() {
		case FrameConfirmation:
			c.resolvePending(&env)
		case FrameLogsNotification, FrameAccountNotification:
			if c.notify != nil {
				c.notify(c, &env)
			}
		default:
			c.logger.Debug("Dropping unrecognized frame",
				zap.String("method", env.Method))
		}
	}
}

// resolvePending routes a confirmation to its waiter. A reply with an
// error member rejects the request; otherwise the result holds the
// assigned subscription id (or a boolean for unsubscribe acks).
func (c *Conn) resolvePending(env *Envelope) {
	c.pendingMu.Lock()
	waiter, ok := c.pending[*env.ID]
	if ok {
		delete(c.pending, *env.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("Confirmation for unknown request id",
			zap.Uint64("request_id", *env.ID))
		return
	}

	if env.Error != nil {
		waiter <- confirmResult{err: fmt.Errorf("node error %d: %s", env.Error.Code, env.Error.Message)}
		return
	}

	var subID int64
	if err := json.Unmarshal(env.Result, &subID); err != nil {
		// Unsubscribe acks answer with a boolean.
		var ok bool
		if json.Unmarshal(env.Result, &ok) != nil {
			waiter <- confirmResult{err: fmt.Errorf("unparseable result %s", env.Result)}
			return
		}
	}
	waiter <- confirmResult{subscriptionID: subID}
}

// markBroken flags the connection dead so the health check reconnects
// it, and cancels all in-flight confirmation waits.
func (c *Conn) markBroken() {
	c.state.Store(int32(StateDisconnected))
	c.cancelPending()
}

func (c *Conn) cancelPending() {
	c.pendingMu.Lock()
	for id, waiter := range c.pending {
		close(waiter)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

// Close tears the connection down: pending waiters are cancelled, the
// transport is closed, and the read loop drains.
func (c *Conn) Close() error {
	var err error
	c.closeOne.Do(func() {
		c.state.Store(int32(StateClosing))
		close(c.done)
		c.cancelPending()
		err = c.transport.Close()
		c.wg.Wait()
		c.state.Store(int32(StateDisconnected))
	})
	return err
}
