package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/stocklink/internal/bulkrun"
	"github.com/MarcoPoloResearchLab/stocklink/internal/catalog"
	"github.com/MarcoPoloResearchLab/stocklink/internal/channel"
	"github.com/MarcoPoloResearchLab/stocklink/internal/config"
	"github.com/MarcoPoloResearchLab/stocklink/internal/connector"
	"github.com/MarcoPoloResearchLab/stocklink/internal/database"
	"github.com/MarcoPoloResearchLab/stocklink/internal/identifier"
	"github.com/MarcoPoloResearchLab/stocklink/internal/ledger"
	"github.com/MarcoPoloResearchLab/stocklink/internal/logging"
	"github.com/MarcoPoloResearchLab/stocklink/internal/mapping"
	"github.com/MarcoPoloResearchLab/stocklink/internal/propagate"
	"github.com/MarcoPoloResearchLab/stocklink/internal/pushqueue"
	"github.com/MarcoPoloResearchLab/stocklink/internal/server"
	"github.com/MarcoPoloResearchLab/stocklink/internal/syncstate"
	"github.com/MarcoPoloResearchLab/stocklink/internal/webhook"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "stocklink-api",
		Short: "Multi-channel stock synchronization service",
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
	cmd.PersistentFlags().String("self-marker", defaults.GetString("sync.self_marker"), "Marker identifying this instance's outbound requests")
	cmd.PersistentFlags().Int("anti-loop-window-seconds", defaults.GetInt("sync.anti_loop_window_seconds"), "Echo suppression window in seconds")
	cmd.PersistentFlags().Int("drain-batch", defaults.GetInt("queue.drain_batch"), "Push jobs claimed per drain call")
	cmd.PersistentFlags().Int("step-budget-seconds", defaults.GetInt("bulk.step_budget_seconds"), "Wall-clock budget per bulk step call")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "sync.self_marker", "self-marker")
	bindFlag(cmd, "sync.anti_loop_window_seconds", "anti-loop-window-seconds")
	bindFlag(cmd, "queue.drain_batch", "drain-batch")
	bindFlag(cmd, "bulk.step_budget_seconds", "step-budget-seconds")
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

	catalogService, err := catalog.NewService(catalog.ServiceConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	directory, err := channel.NewDirectory(channel.DirectoryConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	factory, err := connector.NewFactory(connector.FactoryConfig{
		Directory: directory,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	tracker, err := syncstate.NewTracker(syncstate.TrackerConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	mappings, err := mapping.NewResolver(mapping.ResolverConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	pushQueue, err := pushqueue.NewService(pushqueue.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
		Directory:  directory,
		Factory:    factory,
		Mappings:   mappings,
		Catalog:    catalogService,
		Tracker:    tracker,
	})
	if err != nil {
		return err
	}

	ledgerService, err := ledger.NewService(ledger.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
		Fanout:     pushQueue,
	})
	if err != nil {
		return err
	}

	propagator, err := propagate.NewService(propagate.ServiceConfig{
		Database:       db,
		Clock:          time.Now,
		IDProvider:     idProvider,
		Logger:         logger,
		Directory:      directory,
		Factory:        factory,
		Mappings:       mappings,
		Tracker:        tracker,
		AntiLoopWindow: appConfig.AntiLoopWindow,
	})
	if err != nil {
		return err
	}

	bulkRuns, err := bulkrun.NewService(bulkrun.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
		Directory:  directory,
		Factory:    factory,
		Catalog:    catalogService,
		Ledger:     ledgerService,
		Mappings:   mappings,
		Tracker:    tracker,
		StepBudget: appConfig.StepBudget,
	})
	if err != nil {
		return err
	}

	webhooks, err := webhook.NewService(webhook.ServiceConfig{
		Clock:          time.Now,
		Logger:         logger,
		Directory:      directory,
		Factory:        &webhook.FactorySet{Channels: factory, Orders: factory},
		Catalog:        catalogService,
		Ledger:         ledgerService,
		Tracker:        tracker,
		Mappings:       mappings,
		Propagator:     propagator,
		AntiLoopWindow: appConfig.AntiLoopWindow,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Ledger:       ledgerService,
		Catalog:      catalogService,
		Directory:    directory,
		Mappings:     mappings,
		Webhooks:     webhooks,
		PushQueue:    pushQueue,
		BulkRuns:     bulkRuns,
		Propagations: propagator,
		Logger:       logger,
		SelfMarker:   appConfig.SelfMarker,
		DrainBatch:   appConfig.DrainBatch,
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
