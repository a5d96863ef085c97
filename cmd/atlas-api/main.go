package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/atlasclinical/atlas/backend/internal/audit"
	"github.com/atlasclinical/atlas/backend/internal/auth"
	"github.com/atlasclinical/atlas/backend/internal/config"
	"github.com/atlasclinical/atlas/backend/internal/database"
	"github.com/atlasclinical/atlas/backend/internal/devices"
	"github.com/atlasclinical/atlas/backend/internal/logging"
	"github.com/atlasclinical/atlas/backend/internal/server"
	"github.com/atlasclinical/atlas/backend/internal/sync"
	"github.com/atlasclinical/atlas/backend/internal/workflow"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "atlas-api",
		Short: "Atlas clinical operations backend service",
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
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Bearer token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")
	cmd.PersistentFlags().Int("pull-page-limit", defaults.GetInt("sync.pull_page_limit"), "Default pull page size")
	cmd.PersistentFlags().Int("pull-page-max", defaults.GetInt("sync.pull_page_max"), "Maximum pull page size")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "sync.pull_page_limit", "pull-page-limit")
	bindFlag(cmd, "sync.pull_page_max", "pull-page-max")
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

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "atlas-auth",
		Audience:      "atlas-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	syncService, err := sync.NewService(sync.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: sync.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	recorder, err := audit.NewRecorder(audit.RecorderConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: sync.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	workflowService, err := workflow.NewService(workflow.ServiceConfig{
		Database:   db,
		Recorder:   recorder,
		Clock:      time.Now,
		IDProvider: sync.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	deviceRegistry, err := devices.NewRegistry(devices.RegistryConfig{Database: db})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator:  tokenIssuer,
		SyncService:     syncService,
		WorkflowService: workflowService,
		Devices:         deviceRegistry,
		Realtime:        server.NewRealtimeDispatcher(),
		Logger:          logger,
		PullPageLimit:   appConfig.PullPageLimit,
		PullPageMax:     appConfig.PullPageMax,
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
