package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	httpapi "github.com/travelgame/negotiator/internal/api/http"
	coopapp "github.com/travelgame/negotiator/internal/application/coop"
	"github.com/travelgame/negotiator/internal/application/equipment"
	"github.com/travelgame/negotiator/internal/application/session"
	tradeapp "github.com/travelgame/negotiator/internal/application/trade"
	"github.com/travelgame/negotiator/internal/config"
	"github.com/travelgame/negotiator/internal/domain/coop"
	"github.com/travelgame/negotiator/internal/domain/game"
	"github.com/travelgame/negotiator/internal/domain/negotiation"
	"github.com/travelgame/negotiator/internal/domain/trade"
	"github.com/travelgame/negotiator/internal/infrastructure/membus"
	"github.com/travelgame/negotiator/internal/infrastructure/memory"
	"github.com/travelgame/negotiator/internal/infrastructure/natsbus"
	"github.com/travelgame/negotiator/internal/infrastructure/postgres"
	"github.com/travelgame/negotiator/internal/infrastructure/ws"
	"github.com/travelgame/negotiator/internal/replica"
	"github.com/travelgame/negotiator/internal/schedule"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("negotiationd failed")
	}
}

// stores is the persistence selected by configuration.
type stores struct {
	trades   game.StateStore[trade.State]
	coops    game.StateStore[coop.State]
	statuses game.StatusStore
	ledger   game.Ledger
	locker   negotiation.PairLocker
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalogue := game.DefaultCatalogue()
	if cfg.CataloguePath != "" {
		loaded, err := game.LoadCatalogue(cfg.CataloguePath)
		if err != nil {
			return fmt.Errorf("load catalogue: %w", err)
		}
		catalogue = loaded
	}

	var pool *pgxpool.Pool
	if cfg.NeedsPostgres() {
		p, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		defer p.Close()
		if err := postgres.RunMigrations(ctx, p, cfg.MigrationsDir, logger); err != nil {
			return fmt.Errorf("migration error: %w", err)
		}
		pool = p
	}

	var node *replica.Node
	if cfg.StoreBackend == config.BackendRaft {
		n, err := startReplica(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := n.Shutdown(); err != nil {
				logger.Error().Err(err).Msg("raft shutdown failed")
			}
		}()
		node = n
	}

	st := buildStores(cfg, pool, node, logger)

	transport, closeTransport, err := buildTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeTransport()

	publisher := negotiation.NewTransportPublisher(transport)
	scheduler := schedule.New(logger)
	defer scheduler.Close()
	hub := ws.NewHub(logger)
	defer hub.Stop()

	tradeSvc := tradeapp.NewService(st.trades, st.statuses, st.ledger, st.locker, publisher, transport, scheduler,
		tradeapp.Config{Resources: catalogue.ResourceNames(), NoticeDelay: cfg.ProposalNoticeDelay}, logger)
	coopSvc := coopapp.NewService(st.coops, st.statuses, st.ledger, st.locker, publisher, transport, scheduler,
		catalogue, coopapp.Config{NoticeDelay: cfg.ProposalNoticeDelay}, logger)
	equipmentListener := equipment.NewListener(st.ledger, coopSvc, publisher, logger)
	sessionSvc := session.NewService(tradeSvc, coopSvc, st.statuses, publisher, logger)

	policy := negotiation.RetryPolicy{Interval: cfg.RetryInterval, MaxTries: cfg.RetryMaxTries}
	handlers := map[negotiation.Topic]negotiation.Handler{
		negotiation.TopicTrade:     tradeSvc.Handle,
		negotiation.TopicCoop:      coopSvc.Handle,
		negotiation.TopicEquipment: equipmentListener.Handle,
		negotiation.TopicSession:   sessionSvc.Handle,
	}
	for topic, h := range handlers {
		if err := transport.Subscribe(ctx, topic, negotiation.WithRetry(h, policy, logger.With().Str("topic", string(topic)).Logger())); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	if err := transport.Subscribe(ctx, negotiation.TopicOutbound, hub.HandleOutbound); err != nil {
		return fmt.Errorf("subscribe %s: %w", negotiation.TopicOutbound, err)
	}

	var cluster httpapi.Cluster
	if node != nil {
		cluster = node
	}
	apiServer := httpapi.NewServer(st.trades, st.coops, st.statuses, transport, hub, cluster, logger)
	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", cfg.ServerAddr).
			Str("store", string(cfg.StoreBackend)).
			Str("ledger", string(cfg.LedgerBackend)).
			Str("transport", string(cfg.Transport)).
			Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func buildStores(cfg *config.Config, pool *pgxpool.Pool, node *replica.Node, logger zerolog.Logger) stores {
	var st stores
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		st.trades = postgres.NewStateRepository(pool, "trade", trade.MarshalState, trade.UnmarshalState)
		st.coops = postgres.NewStateRepository(pool, "coop", coop.MarshalState, coop.UnmarshalState)
		st.statuses = postgres.NewStatusRepository(pool)
		st.locker = postgres.NewLeaseRepository(pool, cfg.LeaseTTL, logger)
	case config.BackendRaft:
		st.trades = replica.NewStateStore(node, "trade", trade.MarshalState, trade.UnmarshalState)
		st.coops = replica.NewStateStore(node, "coop", coop.MarshalState, coop.UnmarshalState)
		st.statuses = replica.NewStatusStore(node)
		st.locker = replica.NewPairLocker(node, cfg.LeaseTTL, logger)
	default:
		st.trades = memory.NewStateStore(trade.Idle)
		st.coops = memory.NewStateStore(coop.Idle)
		st.statuses = memory.NewStatusStore()
		st.locker = memory.NewPairLocker()
	}

	if cfg.LedgerBackend == config.BackendPostgres {
		st.ledger = postgres.NewLedgerRepository(pool)
	} else {
		st.ledger = memory.NewLedger()
	}
	return st
}

func buildTransport(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (negotiation.Transport, func(), error) {
	if cfg.Transport == config.TransportNATS {
		bus, err := natsbus.Connect(ctx, natsbus.Config{URL: cfg.NATSURL, Stream: cfg.NATSStream}, logger)
		if err != nil {
			return nil, nil, err
		}
		return bus, func() {
			if err := bus.Close(); err != nil {
				logger.Error().Err(err).Msg("nats close failed")
			}
		}, nil
	}
	return membus.New(logger), func() {}, nil
}

func startReplica(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*replica.Node, error) {
	if err := os.MkdirAll(cfg.Raft.DataDir, 0o755); err != nil {
		return nil, err
	}
	node, err := replica.NewNode(replica.Config{
		NodeID:         cfg.Raft.NodeID,
		RaftAddr:       cfg.Raft.Addr,
		DataDir:        cfg.Raft.DataDir,
		Bootstrap:      cfg.Raft.Bootstrap,
		SnapshotRetain: 2,
		ApplyTimeout:   cfg.Raft.ApplyTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create raft node: %w", err)
	}

	if !cfg.Raft.Bootstrap && cfg.Raft.JoinEndpoint != "" {
		if err := joinCluster(ctx, cfg); err != nil {
			logger.Warn().Err(err).Str("endpoint", cfg.Raft.JoinEndpoint).Msg("join cluster failed")
		} else {
			logger.Info().Str("endpoint", cfg.Raft.JoinEndpoint).Msg("joined cluster")
		}
	}

	if cfg.Raft.StartupWaitLeader > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, cfg.Raft.StartupWaitLeader)
		leader, err := node.WaitForLeader(waitCtx, 150*time.Millisecond)
		cancel()
		if err != nil {
			logger.Warn().Err(err).Msg("no raft leader yet")
		} else {
			logger.Info().Str("leader", leader).Msg("raft leader elected")
		}
	}
	return node, nil
}
