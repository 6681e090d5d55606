package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caravel-labs/caravel/internal/auth"
	"github.com/caravel-labs/caravel/internal/config"
	"github.com/caravel-labs/caravel/internal/database"
	"github.com/caravel-labs/caravel/internal/library"
	"github.com/caravel-labs/caravel/internal/logging"
	"github.com/caravel-labs/caravel/internal/notifications"
	"github.com/caravel-labs/caravel/internal/peers"
	"github.com/caravel-labs/caravel/internal/server"
	"github.com/caravel-labs/caravel/internal/transport"
	"github.com/caravel-labs/caravel/internal/volumes"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "caraveld",
		Short: "Caravel library daemon",
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
	cmd.PersistentFlags().String("library-name", defaults.GetString("library.name"), "Library display name")
	cmd.PersistentFlags().String("device-name", defaults.GetString("device.name"), "Device display name")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Device token TTL in minutes")
	cmd.PersistentFlags().Int("sync-page-size", defaults.GetInt("sync.page_size"), "Operations served per sync page")
	cmd.PersistentFlags().String("peer-address", "", "Base URL of a peer daemon to pull operations from")
	cmd.PersistentFlags().Int("poll-interval-seconds", 30, "Seconds between sync polls when a peer is configured")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("pairing-secret", "", "Library pairing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "library.name", "library-name")
	bindFlag(cmd, "device.name", "device-name")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "sync.page_size", "sync-page-size")
	bindFlag(cmd, "sync.peer_address", "peer-address")
	bindFlag(cmd, "sync.poll_interval_seconds", "poll-interval-seconds")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.pairing_secret", "pairing-secret")
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

	var fetcher library.Fetcher
	var peerClient *transport.Client
	peerAddress := viper.GetString("sync.peer_address")
	if peerAddress != "" {
		instanceID, idErr := uuid.NewV7()
		if idErr != nil {
			return idErr
		}
		peerClient, err = transport.NewClient(transport.ClientConfig{
			BaseURL:       peerAddress,
			PairingSecret: appConfig.PairingSecret,
			InstanceID:    instanceID,
			DeviceName:    appConfig.DeviceName,
			Platform:      peers.CurrentPlatform().Code(),
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		fetcher = peerClient
	}

	dispatcher := server.NewRealtimeDispatcher()

	lib, err := library.Open(ctx, library.Config{
		Database:   db,
		Name:       appConfig.LibraryName,
		DeviceName: appConfig.DeviceName,
		Fetcher:    fetcher,
		Logger:     logger,
		PageSize:   appConfig.SyncPageSize,
		OnRoundComplete: func(status library.Status) {
			dispatcher.Publish(server.RealtimeMessage{
				Topic:     server.TopicSync,
				EventType: server.RealtimeEventOperationsIngested,
				Payload:   status,
				Timestamp: time.Now().UTC(),
			})
		},
	})
	if err != nil {
		return err
	}
	defer lib.Close()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		PairingSecret: []byte(appConfig.PairingSecret),
		Issuer:        "caravel-auth",
		Audience:      "caravel-api",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	notificationService, err := notifications.NewService(notifications.ServiceConfig{
		Database: db,
		Logger:   logger,
		Publish: func(notification notifications.Notification) {
			dispatcher.Publish(server.RealtimeMessage{
				Topic:     server.TopicNotifications,
				EventType: server.RealtimeEventNotification,
				Payload:   notification,
				Timestamp: time.Now().UTC(),
			})
		},
	})
	if err != nil {
		return err
	}

	registry := peers.NewRegistry()
	go func() {
		for event := range registry.Subscribe(16) {
			dispatcher.Publish(server.RealtimeMessage{
				Topic:     server.TopicPeers,
				EventType: server.RealtimeEventPeerChanged,
				Payload:   event,
				Timestamp: time.Now().UTC(),
			})
		}
	}()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:  tokenManager,
		Library:       lib,
		Volumes:       volumes.NewEnumerator(volumes.EnumeratorConfig{Logger: logger}),
		Notifications: notificationService,
		Peers:         registry,
		Realtime:      dispatcher,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if peerClient != nil {
		go pollPeer(signalCtx, lib, logger)
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

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

// pollPeer nudges the ingestion actor on a fixed cadence so the library
// converges even when the peer never pushes notifications.
func pollPeer(ctx context.Context, lib *library.Library, logger *zap.Logger) {
	interval := time.Duration(viper.GetInt("sync.poll_interval_seconds")) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("peer polling started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lib.NotifyRemoteActivity()
		}
	}
}
