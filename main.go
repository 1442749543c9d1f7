package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailsync/internal/api"
	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/credential"
	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/mailbox"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/providers"
	"github.com/Martian-dev/mailsync/internal/store"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML config file")
	flag.Parse()

	_ = godotenv.Load()
	boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
	cfg, err := config.Load(*configPath)
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		boot.Fatal().Err(err).Msg("init logger")
	}
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("mailsync stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DB.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	creds, err := credential.Open(credential.Config{
		Backend:      cfg.Keyring.Backend,
		FileDir:      cfg.Keyring.FileDir,
		FilePassword: cfg.Keyring.FilePassword,
		Google: credential.OAuthClient{
			ClientID:     cfg.OAuth.Google.ClientID,
			ClientSecret: cfg.OAuth.Google.ClientSecret,
		},
		Microsoft: credential.OAuthClient{
			ClientID:     cfg.OAuth.Microsoft.ClientID,
			ClientSecret: cfg.OAuth.Microsoft.ClientSecret,
			Tenant:       cfg.OAuth.Microsoft.Tenant,
		},
	}, log)
	if err != nil {
		return err
	}

	factory := &providers.Factory{}
	runner := mailsync.NewRunner(db, creds, factory.New, mailsync.RunnerConfig{
		CallTimeout: cfg.Sync.CallTimeout,
		PageLimit:   cfg.Sync.PageLimit,
	}, log)
	sched := mailsync.NewScheduler(mailsync.SchedulerConfig{
		TickInterval: cfg.Sync.TickInterval,
		MaxInFlight:  cfg.Sync.MaxInFlight,
		QueueSize:    cfg.Sync.QueueSize,
		PollInterval: cfg.Sync.PollInterval,
	}, db, runner, log)

	var verifier *auth.JWTVerifier
	if cfg.Auth.JWKSURL != "" {
		verifier, err = auth.NewJWTVerifier(ctx, cfg.Auth.JWKSURL)
	} else {
		verifier, err = auth.NewHMACVerifier([]byte(cfg.Auth.HMACSecret))
	}
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	srv := api.New(api.Deps{
		Repo:        db,
		Scheduler:   sched,
		Mailbox:     mailbox.New(db, sched, log),
		Credentials: creds,
		Verifier:    verifier,
		Log:         log,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })

	if cfg.NATS.URL != "" {
		pub, err := natsjs.NewPublisher(cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			return err
		}
		defer pub.Close()
		if err := pub.EnsureStream(ctx, store.SubjectPrefix); err != nil {
			return err
		}
		dispatcher := natsjs.NewDispatcher(db, pub, natsjs.DispatcherConfig{}, log)
		g.Go(func() error { return dispatcher.Run(gctx) })
		log.Info().Str("url", cfg.NATS.URL).Msg("publishing change events to NATS")
	} else {
		log.Warn().Msg("nats.url not set; change events stay in the outbox")
	}

	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown http")
		}
		return nil
	})

	err = g.Wait()
	log.Info().Msg("mailsync shut down")
	return err
}
