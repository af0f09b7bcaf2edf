package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gregtusar/tokenset/api"
	"github.com/gregtusar/tokenset/internal/config"
	"github.com/gregtusar/tokenset/pkg/auth"
	"github.com/gregtusar/tokenset/pkg/events"
	"github.com/gregtusar/tokenset/pkg/executor"
	"github.com/gregtusar/tokenset/pkg/factory"
	"github.com/gregtusar/tokenset/pkg/metrics"
	"github.com/gregtusar/tokenset/pkg/provisioning"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"
)

var (
	cfgFile string
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tokenset",
		Short: "Multi-asset basket tokens and their factory",
		Long:  `Wraps fixed-ratio baskets of assets into share tokens and provisions new basket instances with deposit-or-refund semantics`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// a missing .env is not an error
			_ = godotenv.Load()
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(serveCmd(), tokenCmd())
	rootCmd.AddCommand(clientCommands()...)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server",
		Run:   runServer,
	}
}

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <account>",
		Short: "Mint a bearer token for account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
			if err != nil {
				return err
			}
			token, err := issuer.Issue(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

func newLogger(cfg config.LoggingConfig) (*os.File, error) {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if err := cfg.Apply(logger); err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		logger.SetLevel(logrus.InfoLevel)
	}
	if cfg.File == "" {
		return nil, nil
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logger.SetOutput(f)
	return f, nil
}

func runServer(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logFile, err := newLogger(cfg.Logging)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up logging")
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create token issuer")
	}

	// Validate already parsed these, so they cannot fail here
	schedule, _ := cfg.Rent.Schedule()
	deposit, _ := cfg.Provisioning.Deposit()

	ledgers := factory.MemoryLedgers()
	var store provisioning.Store = provisioning.NewMemoryStore()
	if cfg.Database.Path != "" {
		db, err := bolt.Open(cfg.Database.Path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
		if err != nil {
			logger.WithError(err).Fatal("Failed to open database")
		}
		defer db.Close()
		ledgers = factory.BoltLedgers(db)
		if store, err = provisioning.NewBoltStore(db); err != nil {
			logger.WithError(err).Fatal("Failed to open provisioning store")
		}
		logger.WithField("path", cfg.Database.Path).Info("Using bbolt storage")
	}

	registry := factory.NewRegistry(ledgers, schedule, logger)
	restored, err := registry.Restore(ctx)
	if err != nil {
		logger.WithError(err).Fatal("Failed to restore basket instances")
	}
	logger.WithField("instances", restored).Info("Restored basket instances")

	if cfg.Basket.ID != "" {
		if _, err := registry.Get(cfg.Basket.ID); err == nil {
			logger.WithField("basket", cfg.Basket.ID).Info("Configured basket already exists")
		} else {
			basketCfg, _ := cfg.Basket.Build()
			if _, err := registry.Create(ctx, cfg.Basket.ID, basketCfg); err != nil {
				logger.WithError(err).Fatal("Failed to create configured basket")
			}
		}
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promRegistry)

	exec := executor.NewLocal(cfg.Executor.Config(), logger)
	hub := events.NewHub(logger)

	saga := provisioning.NewSaga(provisioning.SagaParams{
		Ledger:         provisioning.NewLedger(store, deposit, logger),
		Executor:       exec,
		Chains:         registry,
		Publisher:      hub,
		Metrics:        m,
		FactoryAccount: cfg.Provisioning.FactoryAccount,
		Logger:         logger,
	})
	recovered, err := saga.Recover(ctx, func(id string) bool {
		_, err := registry.Get(id)
		return err == nil
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to recover pending instances")
	}
	if recovered > 0 {
		logger.WithField("instances", recovered).Warn("Resolved instances left pending by an earlier run")
	}
	exec.Start(ctx)

	apiServer := api.NewServer(api.Params{
		Registry:  registry,
		Saga:      saga,
		Issuer:    issuer,
		Events:    hub,
		Metrics:   m,
		Gatherer:  promRegistry,
		RateLimit: cfg.Server.RateLimit,
		Burst:     cfg.Server.Burst,
		Logger:    logger,
	}, strconv.Itoa(cfg.Server.Port))
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start API server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("tokenset is running. Press Ctrl+C to stop.")

	<-sigChan
	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to shut down API server")
	}
	hub.Close()
	// pending chains still settle so no escrow is left unresolved
	exec.Stop()
	cancel()

	logger.Info("tokenset stopped")
}
