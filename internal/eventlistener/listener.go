package eventlistener

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rovshanmuradov/solana-dexfeed/internal/config"
	"github.com/rovshanmuradov/solana-dexfeed/internal/dex"
	"github.com/rovshanmuradov/solana-dexfeed/internal/logger"
	"github.com/rovshanmuradov/solana-dexfeed/internal/metrics"
	"github.com/rovshanmuradov/solana-dexfeed/internal/monitor"
	"github.com/rovshanmuradov/solana-dexfeed/internal/pricefeed"
	"github.com/rovshanmuradov/solana-dexfeed/internal/pricing"
	"github.com/rovshanmuradov/solana-dexfeed/internal/wsrpc"
	"github.com/rovshanmuradov/solana-dexfeed/pkg/solrpc"
)

const subscribeTimeout = 30 * time.Second

// poolSubscription tracks the node-assigned ids behind one SubscribePool
// call. The connection is keyed by the pool's DEX id, so a pool always
// rides the connection of the program family that prices it.
type poolSubscription struct {
	dexID     string
	accountID int64
	logsID    int64
	hasLogs   bool
}

// Listener is the engine facade: it owns the connection manager, the parser
// registry, the external price poller, and the comparison aggregator, and
// exposes the subscription surface consumers drive.
type Listener struct {
	cfg        *config.Config
	logger     *zap.Logger
	collector  *metrics.Collector
	registry   *dex.Registry
	aggregator *monitor.Aggregator
	dispatcher *Dispatcher
	manager    *wsrpc.Manager
	poller     *pricefeed.Poller

	poolsMu sync.Mutex
	pools   map[string]poolSubscription
}

// New wires the full engine from configuration. Configuration errors are
// fatal here rather than at run time.
func New(cfg *config.Config, log *zap.Logger) (*Listener, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	collector := metrics.NewCollector()

	var rpcClient pricing.AccountInfoClient
	if cfg.RPCURL != "" {
		pool, err := solrpc.NewPool(append([]string{cfg.RPCURL}, cfg.FallbackRPCURLs...), log)
		if err != nil {
			return nil, err
		}
		rpcClient = pool
	}
	decimals := pricing.NewDecimalsCache(rpcClient, log)

	registry := dex.NewRegistry(log)
	for _, parser := range []dex.Parser{
		dex.NewRaydiumV4Parser(log),
		dex.NewRaydiumCLMMParser(log),
		dex.NewPumpSwapParser(decimals, log),
	} {
		if err := registry.Register(parser); err != nil {
			return nil, err
		}
	}

	jupiter := pricefeed.NewJupiterSource(log)
	sources := []pricefeed.Source{
		jupiter,
		pricefeed.NewRaydiumSource(jupiter.SolPriceUSD, log),
	}

	aggregator := monitor.NewAggregator(cfg.AggregateInterval(), jupiter.SolPriceUSD,
		logger.WithComponent(log, "price_monitor"))

	dispatcher := NewDispatcher(registry, aggregator, collector, log)

	manager := wsrpc.NewManager(wsrpc.ManagerConfig{
		PrimaryURL:          cfg.WebSocketURL,
		FallbackURLs:        cfg.FallbackWebSocketURLs,
		ConnectTimeout:      cfg.ConnectTimeout(),
		HealthCheckInterval: cfg.HealthCheckInterval(),
		MaxReconnectTries:   uint(cfg.MaxReconnectAttempts),
		BreakerMaxFailures:  uint32(cfg.BreakerMaxFailures),
		BreakerCooldown:     cfg.BreakerCooldown(),
	}, dispatcher.HandleNotification, collector, log)

	poller := pricefeed.NewPoller(sources, cfg.PricePollInterval(),
		dispatcher.EmitExternal, log)

	l := &Listener{
		cfg:        cfg,
		logger:     logger.WithComponent(log, "listener"),
		collector:  collector,
		registry:   registry,
		aggregator: aggregator,
		dispatcher: dispatcher,
		manager:    manager,
		poller:     poller,
		pools:      make(map[string]poolSubscription),
	}

	// Every mint priced on-chain becomes a candidate for external
	// comparison polling.
	dispatcher.onBlockchainEvent = func(ev *dex.SwapEvent) {
		if ev.Mint != "" {
			poller.Watch(ev.Mint)
		}
	}

	return l, nil
}

// SetCallback installs the consumer event sink. Must be called before Run
// for the consumer to see the first events.
func (l *Listener) SetCallback(cb Callback) {
	l.dispatcher.SetCallback(cb)
}

// Run establishes the configured program subscriptions and blocks driving
// the connection health loop, the external price poller, and the comparison
// reporter until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.subscribePrograms(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		l.manager.Run(ctx)
		return ctx.Err()
	})
	g.Go(func() error {
		l.poller.Run(ctx)
		return ctx.Err()
	})
	g.Go(func() error {
		return l.aggregator.Run(ctx)
	})

	err := g.Wait()
	l.Close()
	return err
}

// subscribePrograms sets up the static program log subscriptions from the
// configuration. Each DEX gets its own connection, so a failing or
// breaker-stalled endpoint quarantines one program family, not all of
// them.
func (l *Listener) subscribePrograms(ctx context.Context) error {
	for dexID, programs := range l.cfg.Programs {
		if err := l.subscribeDEXPrograms(ctx, dexID, programs); err != nil {
			return err
		}
	}
	return nil
}

func (l *Listener) subscribeDEXPrograms(ctx context.Context, dexID string, programs []string) error {
	lock := l.manager.KeyLock(dexID)
	lock.Lock()
	defer lock.Unlock()

	conn, err := l.manager.EnsureConnection(ctx, dexID)
	if err != nil {
		return fmt.Errorf("establish connection for %s: %w", dexID, err)
	}

	for _, program := range programs {
		subCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
		id, err := conn.SubscribeLogs(subCtx, program, dexID, "processed", wsrpc.KindProgramLogs)
		cancel()
		l.manager.RecordSubscription(conn, err == nil)
		if err != nil {
			return fmt.Errorf("subscribe program %s (%s): %w", program, dexID, err)
		}
		l.logger.Info("Subscribed to program logs",
			zap.String("dex", dexID),
			zap.String("program", program),
			zap.Int64("subscription", id))
	}
	return nil
}

// SubscribePool dynamically subscribes to a pool's account updates and its
// transaction logs. Returns false when the DEX id has no registered parser
// or the subscription could not be established.
func (l *Listener) SubscribePool(ctx context.Context, poolAddress, dexID string) bool {
	if !l.registry.Has(dexID) {
		l.logger.Warn("Pool subscription for unknown DEX",
			zap.String("dex", dexID),
			zap.String("pool", poolAddress))
		return false
	}

	lock := l.manager.KeyLock(dexID)
	lock.Lock()
	defer lock.Unlock()

	l.poolsMu.Lock()
	_, exists := l.pools[poolAddress]
	l.poolsMu.Unlock()
	if exists {
		return true
	}

	conn, err := l.manager.EnsureConnection(ctx, dexID)
	if err != nil {
		l.logger.Error("Pool subscription failed, no connection",
			zap.String("pool", poolAddress),
			zap.Error(err))
		return false
	}

	subCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	accountID, err := conn.SubscribeAccount(subCtx, poolAddress, dexID)
	cancel()
	l.manager.RecordSubscription(conn, err == nil)
	if err != nil {
		l.logger.Error("Pool account subscription failed",
			zap.String("pool", poolAddress),
			zap.Error(err))
		return false
	}

	sub := poolSubscription{dexID: dexID, accountID: accountID}

	// Log subscription is best-effort: account updates alone still price
	// the pool.
	subCtx, cancel = context.WithTimeout(ctx, subscribeTimeout)
	logsID, err := conn.SubscribeLogs(subCtx, poolAddress, dexID, "processed", wsrpc.KindPoolLogs)
	cancel()
	l.manager.RecordSubscription(conn, err == nil)
	if err != nil {
		l.logger.Warn("Pool logs subscription failed",
			zap.String("pool", poolAddress),
			zap.Error(err))
	} else {
		sub.logsID = logsID
		sub.hasLogs = true
	}

	l.poolsMu.Lock()
	l.pools[poolAddress] = sub
	l.poolsMu.Unlock()
	l.logger.Info("Subscribed to pool",
		zap.String("dex", dexID),
		zap.String("pool", poolAddress),
		zap.Int64("account_subscription", accountID))
	return true
}

// UnsubscribePool removes a dynamic pool subscription. Returns false when
// the pool was never subscribed.
func (l *Listener) UnsubscribePool(ctx context.Context, poolAddress string) bool {
	l.poolsMu.Lock()
	sub, exists := l.pools[poolAddress]
	l.poolsMu.Unlock()
	if !exists {
		return false
	}

	lock := l.manager.KeyLock(sub.dexID)
	lock.Lock()
	defer lock.Unlock()

	l.poolsMu.Lock()
	sub, exists = l.pools[poolAddress]
	if exists {
		delete(l.pools, poolAddress)
	}
	l.poolsMu.Unlock()
	if !exists {
		return false
	}

	conn, ok := l.manager.Connection(sub.dexID)
	if !ok {
		// Connection already gone; its subscriptions died with it.
		return true
	}

	subCtx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()
	if err := conn.Unsubscribe(subCtx, sub.accountID, wsrpc.KindAccount); err != nil {
		l.logger.Warn("Pool account unsubscribe failed",
			zap.String("pool", poolAddress),
			zap.Error(err))
	}
	if sub.hasLogs {
		if err := conn.Unsubscribe(subCtx, sub.logsID, wsrpc.KindPoolLogs); err != nil {
			l.logger.Warn("Pool logs unsubscribe failed",
				zap.String("pool", poolAddress),
				zap.Error(err))
		}
	}
	return true
}

// Close shuts down all connections. Safe to call more than once.
func (l *Listener) Close() {
	l.manager.CloseAll()
}

// Metrics returns a point-in-time counter snapshot.
func (l *Listener) Metrics() metrics.Snapshot {
	return l.collector.Snapshot()
}
