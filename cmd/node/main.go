package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/custodex/params"
	"github.com/uhyunpark/custodex/pkg/api"
	"github.com/uhyunpark/custodex/pkg/app/core/asset"
	"github.com/uhyunpark/custodex/pkg/app/core/events"
	"github.com/uhyunpark/custodex/pkg/app/exchange"
	"github.com/uhyunpark/custodex/pkg/broker"
	"github.com/uhyunpark/custodex/pkg/storage"
	"github.com/uhyunpark/custodex/pkg/util"
)

// closer is anything main has to release on shutdown
type closer struct {
	name string
	fn   func() error
}

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("") // "" means load from .env in current directory
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Setup logging (write to both console and file)
	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "level", cfg.Node.LogLevel)

	if err := run(cfg, logger); err != nil {
		sugar.Errorw("node_failed", "err", err)
		logger.Sync()
		os.Exit(1)
	}
	sugar.Info("node_stopped")
}

// run builds and serves the node until the API server stops. Everything
// opened here is closed before it returns.
func run(cfg params.Config, logger *zap.Logger) error {
	sugar := logger.Sugar()

	var closers []closer
	defer func() {
		// Release in reverse order: sinks before the store they read from
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].fn(); err != nil {
				sugar.Errorw("close_failed", "component", closers[i].name, "err", err)
			}
		}
	}()

	// ---- Assets ----
	specs := params.DefaultTokens()
	if cfg.Node.TokensFile != "" {
		var err error
		if specs, err = params.LoadTokens(cfg.Node.TokensFile); err != nil {
			return fmt.Errorf("load tokens %s: %w", cfg.Node.TokensFile, err)
		}
	}

	registry := asset.NewRegistry()
	tokens := make([]*asset.Token, 0, len(specs))
	for _, spec := range specs {
		supply, err := spec.BaseSupply()
		if err != nil {
			return err
		}
		tok := asset.NewToken(spec.TokenAddress(), spec.Name, spec.Symbol, spec.Decimals, supply, spec.DeployerAddress())
		// The engine pulls and sends tokens as its own custody identity
		if err := registry.Register(tok.Address, tok.As(cfg.Exchange.Address)); err != nil {
			return fmt.Errorf("register token %s: %w", spec.Symbol, err)
		}
		tokens = append(tokens, tok)
		sugar.Infow("token_deployed",
			"symbol", tok.Symbol,
			"address", tok.Address.Hex(),
			"decimals", tok.Decimals,
			"supply", asset.FormatUnits(supply, tok.Decimals),
			"deployer", spec.DeployerAddress().Hex())
	}
	vault := asset.NewNativeVault()

	// ---- Storage ----
	var (
		store  exchange.Store
		evlog  api.EventLog
		dbKind = "memory"
	)
	if cfg.Node.DBPath != "" {
		db, err := storage.NewPebbleStore(cfg.Node.DBPath)
		if err != nil {
			return fmt.Errorf("open db %s: %w", cfg.Node.DBPath, err)
		}
		closers = append(closers, closer{"pebble", db.Close})
		store, evlog, dbKind = db, db, "pebble"
	} else {
		mem := storage.NewMemStore()
		store, evlog = mem, mem
	}
	sugar.Infow("storage_ready", "kind", dbKind, "path", cfg.Node.DBPath)

	// ---- Engine ----
	bus := events.NewBus()
	engine, err := exchange.New(exchange.Config{
		Address:    cfg.Exchange.Address,
		FeeAccount: cfg.Exchange.FeeAccount,
		FeePercent: cfg.Exchange.FeePercent,
		Assets:     registry,
		Bank:       vault,
		Store:      store,
		Bus:        bus,
		Clock:      util.RealClock{},
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("engine init: %w", err)
	}

	// ---- Event sinks ----
	var journal storage.Journal = storage.NewNopJournal()
	if cfg.Node.JournalFile != "" {
		fj, err := storage.NewFileJournal(cfg.Node.JournalFile)
		if err != nil {
			return fmt.Errorf("open journal %s: %w", cfg.Node.JournalFile, err)
		}
		journal = fj
		sugar.Infow("journal_enabled", "file", cfg.Node.JournalFile)
	}
	bus.Subscribe(journal.Append)
	closers = append(closers, closer{"journal", journal.Close})

	var publisher *broker.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = broker.NewPublisher(broker.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), 1024, logger)
		bus.Subscribe(publisher.Handle)
		closers = append(closers, closer{"kafka", publisher.Close})
		sugar.Infow("kafka_enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	} else {
		sugar.Info("kafka_disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- API Server ----
	// HTTP/WebSocket server for frontend
	apiServer := api.NewServer(api.Options{
		Engine:      engine,
		Vault:       vault,
		Tokens:      tokens,
		Events:      evlog,
		Logger:      sugar,
		CORSOrigins: cfg.Node.CORSOrigins,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start(ctx, cfg.Node.APIAddr)
	}()

	sugar.Infow("node_starting",
		"engine", cfg.Exchange.Address.Hex(),
		"fee_account", cfg.Exchange.FeeAccount.Hex(),
		"fee_percent", cfg.Exchange.FeePercent,
		"api_addr", cfg.Node.APIAddr,
		"tokens", len(tokens))

	// Progress logging loop
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	lastOrders := engine.OrderCount(ctx)

	for {
		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		case <-ticker.C:
			orders := engine.OrderCount(ctx)
			fields := []interface{}{"orders", orders, "new_orders", orders - lastOrders}
			if publisher != nil {
				dropped, failed := publisher.Stats()
				fields = append(fields, "kafka_dropped", dropped, "kafka_failed", failed)
			}
			if fj, ok := journal.(*storage.FileJournal); ok && fj.Err() != nil {
				fields = append(fields, zap.NamedError("journal_err", fj.Err()))
			}
			sugar.Infow("engine_progress", fields...)
			lastOrders = orders
		}
	}
}
