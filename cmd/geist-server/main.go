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

	"github.com/MarcoPoloResearchLab/geist/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/geist/backend/internal/config"
	"github.com/MarcoPoloResearchLab/geist/backend/internal/database"
	"github.com/MarcoPoloResearchLab/geist/backend/internal/identities"
	"github.com/MarcoPoloResearchLab/geist/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/geist/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/geist/backend/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownGracePeriod = 10 * time.Second

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "geist-server",
		Short: "Geist identity linking service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the identity API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the identity schema and pending migrations, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context())
		},
	})
	rootCmd.AddCommand(newMintTokenCommand())

	return rootCmd
}

func newMintTokenCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Issue a bearer token for an API caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Caller identity recorded in the token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	if err := cmd.MarkFlagRequired("subject"); err != nil {
		panic(err)
	}
	return cmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("environment", defaults.GetString("environment"), "Deployment environment (development, preview, staging, production)")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("metrics-address", defaults.GetString("metrics.address"), "Prometheus listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("debug", defaults.GetBool("debug"), "Force debug logging")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().Int("database-pool-size", defaults.GetInt("database.pool_size"), "Maximum open database connections")
	cmd.PersistentFlags().Int("database-timeout-seconds", defaults.GetInt("database.timeout_seconds"), "Database connect timeout in seconds")
	cmd.PersistentFlags().Int("server-timeout-seconds", defaults.GetInt("server.timeout_seconds"), "HTTP request timeout in seconds")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")
	cmd.PersistentFlags().String("auth-issuer", defaults.GetString("auth.issuer"), "Bearer token issuer")
	cmd.PersistentFlags().String("auth-audience", defaults.GetString("auth.audience"), "Bearer token audience")

	bindFlag(cmd, "environment", "environment")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "metrics.address", "metrics-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "debug", "debug")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "database.pool_size", "database-pool-size")
	bindFlag(cmd, "database.timeout_seconds", "database-timeout-seconds")
	bindFlag(cmd, "server.timeout_seconds", "server-timeout-seconds")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "auth-issuer")
	bindFlag(cmd, "auth.audience", "auth-audience")
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

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
	})
}

func openDatabase(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*gorm.DB, func(), error) {
	db, err := database.Open(ctx, database.Config{
		Driver:   appConfig.DatabaseDriver,
		DSN:      appConfig.DatabaseDSN,
		PoolSize: appConfig.DatabasePool,
		Timeout:  appConfig.DatabaseTimeout,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = sqlDB.Close() }, nil
}

func runMigrate(ctx context.Context) error {
	appConfig, err := config.LoadDatabase(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.Debug)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, closeDB, err := openDatabase(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	return database.Migrate(db, logger)
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	registry := metrics.NewRegistry()
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.Debug, zap.Hooks(registry.LogHook))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	logger = logger.With(zap.String("environment", string(appConfig.Environment)))

	if !appConfig.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	db, closeDB, err := openDatabase(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDB()
	if err := database.Migrate(db, logger); err != nil {
		return err
	}

	tokenIssuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}

	repository, err := identities.NewRepository(identities.RepositoryConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: identities.NewUUIDProvider(),
	})
	if err != nil {
		return err
	}
	logger.Warn("provider tokens are stored without encryption; configure a token sealer before production use")
	identityService, err := identities.NewService(identities.ServiceConfig{
		Store:  repository,
		Sealer: identities.PlaintextSealer{},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		IdentityService: identityService,
		Authenticator:   tokenIssuer,
		Metrics:         registry,
		HealthCheck: func(ctx context.Context) error {
			return database.Ping(ctx, db, appConfig.DatabaseTimeout)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           http.TimeoutHandler(handler, appConfig.ServerTimeout, `{"error":{"code":"deadline_exceeded","message":"request timed out"}}`),
		ReadHeaderTimeout: appConfig.ServerTimeout,
		ReadTimeout:       appConfig.ServerTimeout,
		WriteTimeout:      appConfig.ServerTimeout + time.Second,
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", registry.Handler())
	metricsServer := &http.Server{
		Addr:              appConfig.MetricsAddress,
		Handler:           metricsMux,
		ReadHeaderTimeout: appConfig.ServerTimeout,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	serve := func(name string, srv *http.Server) {
		logger.Info("server starting", zap.String("listener", name), zap.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s listener: %w", name, err)
		}
	}
	go serve("http", httpServer)
	go serve("metrics", metricsServer)

	var runErr error
	select {
	case <-signalCtx.Done():
		logger.Info("shutdown requested")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	shutdownErr := errors.Join(httpServer.Shutdown(shutdownCtx), metricsServer.Shutdown(shutdownCtx))
	return errors.Join(runErr, shutdownErr)
}
