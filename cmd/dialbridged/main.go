package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"dialbridge/internal/accesscode"
	"dialbridge/internal/accounts"
	"dialbridge/internal/config"
	"dialbridge/internal/contacts"
	"dialbridge/internal/crm"
	"dialbridge/internal/db"
	"dialbridge/internal/dialer"
	"dialbridge/internal/dialsession"
	"dialbridge/internal/httpapi"
	"dialbridge/internal/live"
	"dialbridge/internal/ratelimit"
	"dialbridge/internal/session"
	"dialbridge/internal/webhook"
)

const (
	defaultConfigPath = "/etc/dialbridge/dialbridge.yaml"
	sweepInterval     = time.Minute
)

func main() {
	// A missing .env is the normal production case.
	_ = godotenv.Load()

	var cfgPath string

	rootCmd := &cobra.Command{
		Use:           "dialbridged",
		Short:         "Bridges CRM selections into dialer sessions with live call state",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default $DIALBRIDGE_CONFIG or "+defaultConfigPath+")")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return err
			}
			pool, err := db.NewPool(cfg.Database)
			if err != nil {
				return fmt.Errorf("db connect: %w", err)
			}
			defer pool.Close()
			if err := db.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			log.Info().Msg("schema applied")
			return nil
		},
	}

	rootCmd.AddCommand(serveCmd, migrateCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("dialbridged failed")
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("DIALBRIDGE_CONFIG")
	}
	if path == "" {
		path = defaultConfigPath
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Log.ConfigureZerolog()

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Bool("misconfigured", true).Msg("refusing to start")
		return nil, err
	}
	return cfg, nil
}

func serve(cfg *config.Config) error {
	pool, err := db.NewPool(cfg.Database)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx, pool); err != nil {
			return err
		}
	}

	broker := session.NewBroker()
	sessions := newSessionStore(cfg, pool, broker)

	links := accounts.NewStore(pool)
	tokens := accounts.NewTokenManager(cfg.CRM, links)
	crmClient := crm.NewClient(cfg.CRM, tokens)
	phones := contacts.NewPhoneProperties(crmClient, cfg.CRM.PropertyTTL)
	engine := contacts.NewEngine(crmClient, phones, cfg.CRM.FetchParallel)
	codes := accesscode.NewStore(pool, cfg.Session.CodeTTL)

	orchestrator := dialsession.New(cfg, dialsession.Deps{
		Tokens:     tokens,
		CRM:        crmClient,
		Normalizer: engine,
		Dialer:     dialer.NewClient(cfg.Dialer),
		Sessions:   sessions,
		Codes:      codes,
	})
	ingestor := webhook.NewIngestor(cfg, sessions, webhook.NewDailyStatsStore(pool))

	presence := live.NewPresence()
	channel := live.NewChannel(cfg, sessions, broker, codes, presence)
	limiter := ratelimit.New()

	go codes.Run(ctx, sweepInterval)
	go limiter.Run(ctx, sweepInterval)
	go presence.Run(ctx, sweepInterval)

	router := httpapi.NewRouter(cfg, httpapi.Deps{
		DB:           pool,
		Accounts:     links,
		Tokens:       tokens,
		Properties:   phones,
		Lists:        crmClient,
		DialSessions: orchestrator,
		Webhooks:     ingestor,
		Codes:        codes,
		Live:         channel,
		Presence:     presence,
		Limiter:      limiter,
	})

	// Live handlers lift the write deadline for their own connections.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.ListenAddr).
			Str("session_backend", cfg.Session.Backend).
			Str("version", httpapi.Version).
			Msg("dialbridge listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	return nil
}

func newSessionStore(cfg *config.Config, pool *pgxpool.Pool, broker *session.Broker) session.Store {
	if cfg.Session.Backend == "memory" {
		log.Warn().Msg("memory session backend: sessions are lost on restart and not shared between processes")
		return session.NewMemoryStore(broker)
	}
	return session.NewPostgresStore(pool, broker, cfg.Session.MaxRetries)
}
