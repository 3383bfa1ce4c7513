package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/medledger/backend/internal/access"
	"github.com/medledger/backend/internal/accounts"
	"github.com/medledger/backend/internal/anchoring"
	"github.com/medledger/backend/internal/blob"
	"github.com/medledger/backend/internal/config"
	"github.com/medledger/backend/internal/database"
	"github.com/medledger/backend/internal/identifier"
	"github.com/medledger/backend/internal/ledger"
	"github.com/medledger/backend/internal/logging"
	"github.com/medledger/backend/internal/records"
	"github.com/medledger/backend/internal/server"
	"github.com/medledger/backend/internal/sessions"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "medledger-api",
		Short: "Tamper-evident medical-event ledger service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("session-ttl-minutes", defaults.GetInt("session.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().Int("anchor-batch-limit", defaults.GetInt("anchor.batch_limit"), "Maximum events per batch")
	cmd.PersistentFlags().Int("anchor-poll-seconds", defaults.GetInt("anchor.poll_seconds"), "Anchoring worker interval in seconds")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.ttl_minutes", "session-ttl-minutes")
	bindFlag(cmd, "anchor.batch_limit", "anchor-batch-limit")
	bindFlag(cmd, "anchor.poll_seconds", "anchor-poll-seconds")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	idProvider := identifier.NewUUIDProvider()

	accountService, err := accounts.NewService(accounts.ServiceConfig{
		Database:     db,
		Clock:        time.Now,
		IDProvider:   idProvider,
		Logger:       logger,
		PasswordCost: appConfig.PasswordCost,
	})
	if err != nil {
		return err
	}

	recordService, err := records.NewService(records.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	accessService, err := access.NewService(access.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Authorizer: accessService,
		Blobs:      blob.NewMemoryStore(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	engine, err := anchoring.NewEngine(anchoring.EngineConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Anchor:     anchoring.NewDevAnchor(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	sessionManager, err := sessions.NewManager(sessions.ManagerConfig{
		Accounts:      accountService,
		Store:         sessions.NewMemoryStore(),
		SigningSecret: []byte(appConfig.SessionSecret),
		TokenTTL:      appConfig.SessionTTL,
		Clock:         time.Now,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Accounts: accountService,
		Sessions: sessionManager,
		Records:  recordService,
		Ledger:   ledgerService,
		Access:   accessService,
		Engine:   engine,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	worker, err := anchoring.NewWorker(anchoring.WorkerConfig{
		Engine:      engine,
		Interval:    appConfig.AnchorPollEvery,
		BatchLimit:  appConfig.AnchorBatchLimit,
		StepTimeout: appConfig.AnchorStepTimeout,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go worker.Run(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
