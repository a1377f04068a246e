// Package eventlistener ties the transport, parser, and reporting layers
// together: it classifies inbound node frames, routes them to the right DEX
// parser, and fans parsed swap events out to the consumer callback and the
// price comparison aggregator.
package eventlistener

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-dexfeed/internal/dex"
	"github.com/rovshanmuradov/solana-dexfeed/internal/metrics"
	"github.com/rovshanmuradov/solana-dexfeed/internal/monitor"
	"github.com/rovshanmuradov/solana-dexfeed/internal/wsrpc"
)

// Callback receives every normalized swap event the engine emits.
type Callback func(*dex.SwapEvent)

// Frame drop reasons recorded against the metrics collector.
const (
	dropUnknownSubscription = "unknown_subscription"
	dropNoParser            = "no_parser"
	dropDecodeError         = "decode_error"
	dropFailedTx            = "failed_tx"
	dropNoSwapKeywords      = "no_swap_keywords"
)

// swapKeywords is the cheap prescan vocabulary: log batches without any of
// these words are dropped before the full regex parsing pass runs.
var swapKeywords = []string{"swap", "trade", "exchange", "buy", "sell", "pump"}

// hasSwapVocabulary reports whether any log line mentions swap activity.
func hasSwapVocabulary(logs []string) bool {
	for _, line := range logs {
		lower := strings.ToLower(line)
		for _, keyword := range swapKeywords {
			if strings.Contains(lower, keyword) {
				return true
			}
		}
	}
	return false
}

// Dispatcher routes classified notification frames to DEX parsers and
// forwards the resulting events. A parse failure never stops the read loop;
// the frame is counted and dropped.
type Dispatcher struct {
	registry   *dex.Registry
	aggregator *monitor.Aggregator
	collector  *metrics.Collector
	logger     *zap.Logger

	mu       sync.RWMutex
	callback Callback

	// onBlockchainEvent is an optional hook for mint discovery, wired by
	// the listener to start external price polling for observed mints.
	onBlockchainEvent func(*dex.SwapEvent)
}

func NewDispatcher(registry *dex.Registry, aggregator *monitor.Aggregator, collector *metrics.Collector, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		registry:   registry,
		aggregator: aggregator,
		collector:  collector,
		logger:     logger.Named("dispatcher"),
	}
}

// SetCallback installs the consumer sink. Safe to call before or between
// notifications, but events emitted while no callback is set are only
// forwarded to the aggregator.
func (d *Dispatcher) SetCallback(cb Callback) {
	d.mu.Lock()
	d.callback = cb
	d.mu.Unlock()
}

// HandleNotification is the transport-facing entry point, shaped to serve
// as the connection manager's NotifyFunc.
func (d *Dispatcher) HandleNotification(conn *wsrpc.Conn, env *wsrpc.Envelope) {
	if env.Params == nil {
		d.collector.RecordDroppedFrame(dropDecodeError)
		return
	}

	sub, ok := conn.SubscriptionByID(env.Params.Subscription)
	if !ok {
		d.collector.RecordDroppedFrame(dropUnknownSubscription)
		d.logger.Debug("Notification for unknown subscription",
			zap.Int64("subscription", env.Params.Subscription))
		return
	}

	parser, err := d.registry.Get(sub.DEXID)
	if err != nil {
		d.collector.RecordDroppedFrame(dropNoParser)
		d.logger.Warn("No parser for subscription",
			zap.String("dex", sub.DEXID),
			zap.Int64("subscription", sub.ID))
		return
	}

	switch env.Classify() {
	case wsrpc.FrameLogsNotification:
		d.handleLogs(parser, sub, env.Params.Result.Value)
	case wsrpc.FrameAccountNotification:
		d.handleAccount(parser, sub, env.Params.Result.Value)
	}
}

func (d *Dispatcher) handleLogs(parser dex.Parser, sub wsrpc.Subscription, raw json.RawMessage) {
	var value wsrpc.LogsValue
	if err := json.Unmarshal(raw, &value); err != nil {
		d.collector.RecordDroppedFrame(dropDecodeError)
		d.logger.Debug("Undecodable logs notification", zap.Error(err))
		return
	}
	if value.Failed() {
		d.collector.RecordDroppedFrame(dropFailedTx)
		return
	}
	if !hasSwapVocabulary(value.Logs) {
		d.collector.RecordDroppedFrame(dropNoSwapKeywords)
		return
	}

	event := parser.ParseSwapLogs(value.Logs, value.Signature, "")
	if event == nil {
		return
	}
	d.emit(event)
}

func (d *Dispatcher) handleAccount(parser dex.Parser, sub wsrpc.Subscription, raw json.RawMessage) {
	var value wsrpc.AccountValue
	if err := json.Unmarshal(raw, &value); err != nil {
		d.collector.RecordDroppedFrame(dropDecodeError)
		d.logger.Debug("Undecodable account notification", zap.Error(err))
		return
	}

	payload, err := base64.StdEncoding.DecodeString(value.Payload())
	if err != nil || len(payload) == 0 {
		d.collector.RecordDroppedFrame(dropDecodeError)
		d.logger.Debug("Undecodable account payload",
			zap.String("address", sub.Target),
			zap.Error(err))
		return
	}

	event := parser.ParseAccountUpdate(payload, sub.Target)
	if event == nil {
		return
	}
	d.emit(event)
}

// emit forwards a parsed event to the aggregator and the consumer callback.
// External-api poller events also enter here so both source classes share
// one sink.
func (d *Dispatcher) emit(event *dex.SwapEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	d.collector.RecordEvent(event.DEX)
	d.aggregator.Observe(event)

	if event.Source == dex.SourceBlockchain && d.onBlockchainEvent != nil {
		d.onBlockchainEvent(event)
	}

	d.mu.RLock()
	cb := d.callback
	d.mu.RUnlock()
	if cb != nil {
		cb(event)
	}
}

// EmitExternal feeds an external price feed event through the shared sink.
func (d *Dispatcher) EmitExternal(event *dex.SwapEvent) {
	if event == nil {
		return
	}
	d.emit(event)
}
