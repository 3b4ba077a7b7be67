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

	"github.com/driveline/forum/backend/internal/auth"
	"github.com/driveline/forum/backend/internal/config"
	"github.com/driveline/forum/backend/internal/database"
	"github.com/driveline/forum/backend/internal/forum"
	"github.com/driveline/forum/backend/internal/logging"
	"github.com/driveline/forum/backend/internal/realtime"
	"github.com/driveline/forum/backend/internal/reputation"
	"github.com/driveline/forum/backend/internal/server"
	"github.com/driveline/forum/backend/internal/slug"
	"github.com/driveline/forum/backend/internal/voting"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "forum-api",
		Short: "Driveline forum engine service",
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
	cmd.PersistentFlags().String("identity-issuer", defaults.GetString("identity.issuer"), "Expected identity token issuer")
	cmd.PersistentFlags().String("identity-secret", "", "Identity token signing secret (overrides env)")
	cmd.PersistentFlags().Int("edit-window-minutes", defaults.GetInt("edit.window_minutes"), "Reply edit window for non-moderators")
	cmd.PersistentFlags().Int64("reputation-daily-cap", defaults.GetInt64("reputation.daily_cap"), "Per voter-author daily reputation gain cap (0 disables)")
	cmd.PersistentFlags().Int("replay-window", defaults.GetInt("realtime.replay_window"), "Events retained per channel for replay")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "identity.issuer", "identity-issuer")
	bindFlag(cmd, "identity.signing_secret", "identity-secret")
	bindFlag(cmd, "edit.window_minutes", "edit-window-minutes")
	bindFlag(cmd, "reputation.daily_cap", "reputation-daily-cap")
	bindFlag(cmd, "realtime.replay_window", "replay-window")
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

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.IdentitySecret),
		Issuer:        appConfig.IdentityIssuer,
	})
	if err != nil {
		return err
	}

	hub := realtime.NewHub(realtime.HubConfig{
		BufferSize:   appConfig.StreamBufferSize,
		ReplayWindow: appConfig.ReplayWindow,
		Logger:       logger,
	})

	reputationEngine, err := reputation.NewEngine(reputation.EngineConfig{
		Database: db,
		DailyCap: appConfig.ReputationDailyCap,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	slugRegistry, err := slug.NewRegistry(slug.RegistryConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	voteLedger, err := voting.NewLedger(voting.LedgerConfig{
		Database:   db,
		Publisher:  hub,
		Sink:       reputationEngine,
		MaxRetries: appConfig.VoteMaxRetries,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	forumService, err := forum.NewService(forum.ServiceConfig{
		Database:     db,
		IDProvider:   forum.NewUUIDProvider(),
		SlugRegistry: slugRegistry,
		Publisher:    hub,
		VoteCounter:  voteLedger,
		EditWindow:   appConfig.EditWindow,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator:  validator,
		Forum:      forumService,
		Votes:      voteLedger,
		Reputation: reputationEngine,
		Slugs:      slugRegistry,
		Hub:        hub,
		Logger:     logger,
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

	go reputationEngine.Run(signalCtx)

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
