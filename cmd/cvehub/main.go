// Command cvehub runs the CVE intelligence hub: the REST API, the
// WebSocket push fabric, and the crawler scheduler, in one process.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cvelab/cvehub/activity"
	"github.com/cvelab/cvehub/auth"
	"github.com/cvelab/cvehub/config"
	"github.com/cvelab/cvehub/crawler"
	"github.com/cvelab/cvehub/crawler/emergingthreats"
	"github.com/cvelab/cvehub/crawler/metasploit"
	"github.com/cvelab/cvehub/crawler/nuclei"
	"github.com/cvelab/cvehub/datastore/postgres"
	"github.com/cvelab/cvehub/engine"
	"github.com/cvelab/cvehub/httptransport"
	"github.com/cvelab/cvehub/internal/cache"
	"github.com/cvelab/cvehub/notify"
	"github.com/cvelab/cvehub/push"
	"github.com/cvelab/cvehub/sched"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	zerolog.SetGlobalLevel(logLevel(cfg.LogLevel))
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	ctx = log.Logger.WithContext(ctx)

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, "cvehub", cfg.Migrate)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pool.Close()
	store := postgres.NewStore(pool)

	var cch *cache.Cache
	if cfg.RedisURL != "" {
		rdb, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rdb.Close()
		cch = cache.New(rdb)
	} else {
		log.Warn().Msg("no redis url configured, running uncached")
	}

	authSvc := auth.New(store, []byte(cfg.SecretKey), auth.Opts{
		AccessTTL:  time.Duration(cfg.AccessTokenExpireMinutes) * time.Minute,
		RefreshTTL: time.Duration(cfg.RefreshTokenExpireDays) * 24 * time.Hour,
	})
	reg := push.NewRegistry()
	hub := push.NewHub(reg, push.HubOpts{
		Auth:         authSvc.Username,
		PingInterval: cfg.WSPingInterval,
		PongTimeout:  cfg.WSPongTimeout,
		SendBuffer:   cfg.WSSendBuffer,
	})
	recorder := activity.NewRecorder(store)
	eng := engine.New(store, engine.Opts{
		Cache:    cch,
		Push:     hub,
		Activity: recorder,
	})
	notifier := notify.New(store, hub, reg)

	crawler.Register(nuclei.New(eng, nuclei.Opts{
		Repo:    cfg.NucleiRepo,
		Branch:  cfg.NucleiBranch,
		WorkDir: filepath.Join(cfg.DataDir, "nuclei-templates"),
	}))
	crawler.Register(metasploit.New(eng, metasploit.Opts{
		Repo:    cfg.MetasploitRepo,
		WorkDir: filepath.Join(cfg.DataDir, "metasploit-framework"),
	}))
	crawler.Register(emergingthreats.New(eng, emergingthreats.Opts{
		URL:     cfg.EmergingThreatsURL,
		WorkDir: filepath.Join(cfg.DataDir, "emerging-threats"),
	}))

	schd, err := sched.New(store, sched.Opts{
		Cache:    cch,
		Push:     hub,
		Timezone: cfg.Timezone,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build scheduler")
	}
	for name, spec := range map[string]string{
		"nuclei":           cfg.NucleiSpec,
		"metasploit":       cfg.MetasploitSpec,
		"emerging-threats": cfg.EmergingThreatsSpec,
	} {
		if err := schd.Schedule(name, spec); err != nil {
			log.Fatal().Err(err).Str("crawler", name).Msg("failed to schedule crawler")
		}
	}
	if err := schd.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start scheduler")
	}

	go notifier.RunRetention(ctx, cfg.RetentionInterval)

	api, err := httptransport.New(httptransport.Opts{
		Engine:      eng,
		Auth:        authSvc,
		Notify:      notifier,
		Activity:    activity.NewService(store),
		Recorder:    recorder,
		Sched:       schd,
		Socket:      hub,
		CORSOrigins: cfg.CORSOrigins,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build http transport")
	}

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     api,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if err := schd.Stop(shutCtx); err != nil {
		log.Warn().Err(err).Msg("scheduler shutdown incomplete")
	}
}

func logLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warning", "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	}
	return zerolog.InfoLevel
}
