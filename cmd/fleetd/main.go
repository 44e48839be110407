// Command fleetd boots the browser-fleet core: clock/event bus, session
// store, credential verifier, browser pool, page/context managers, action
// executor, scaler/recycler and health monitor, wired together the way
// cmd/flaresolverr wires its pool and session manager, then blocks until
// SIGINT/SIGTERM triggers an ordered shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rorqualx/browserfleet/internal/action"
	"github.com/rorqualx/browserfleet/internal/audit"
	"github.com/rorqualx/browserfleet/internal/auth"
	"github.com/rorqualx/browserfleet/internal/browserpool"
	"github.com/rorqualx/browserfleet/internal/clock"
	"github.com/rorqualx/browserfleet/internal/config"
	"github.com/rorqualx/browserfleet/internal/ctxmgr"
	"github.com/rorqualx/browserfleet/internal/driver"
	"github.com/rorqualx/browserfleet/internal/event"
	"github.com/rorqualx/browserfleet/internal/health"
	"github.com/rorqualx/browserfleet/internal/pagemgr"
	"github.com/rorqualx/browserfleet/internal/replica"
	"github.com/rorqualx/browserfleet/internal/scaler"
	"github.com/rorqualx/browserfleet/internal/session"
	"github.com/rorqualx/browserfleet/pkg/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("browserfleet %s (%s)\n", version.Full(), version.GoVersion())
		return
	}

	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	cfg.Validate()
	printBanner()

	clk := clock.NewSystem()
	bus := event.New()

	var sessionOpts []session.Option
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rdb := redis.NewClient(opts)
		sessionOpts = append(sessionOpts, session.WithReplica(replica.NewRedisReplica(rdb, cfg.RedisSessionTTL)))
	}
	sessions := session.New(clk, bus, cfg.SessionCleanupInterval, sessionOpts...)

	var keyStore auth.KeyStore
	if cfg.APIKeyEnabled {
		keyStore = auth.NewStaticKeyStore(map[string]auth.APIKeyRecord{
			cfg.APIKey: {KeyID: cfg.APIKeyID, UserID: cfg.APIKeyID, Name: "static"},
		})
	} else {
		keyStore = auth.NewStaticKeyStore(nil)
	}
	verifier := auth.New([]byte(cfg.BearerSigningKey), keyStore, sessions, clk)
	_ = verifier // wired for the transport façades (out of scope here); kept live so it's exercised by future callers

	drv := driver.NewRodDriver()
	poolCfg := browserpool.Config{
		MinBrowsers:         cfg.MinBrowsers,
		MaxBrowsers:         cfg.MaxBrowsers,
		MaxPagesPerBrowser:  cfg.MaxPagesPerBrowser,
		IdleTimeout:         cfg.IdleTimeout,
		HealthCheckInterval: cfg.HealthCheckInterval,
		AcquireTimeout:      cfg.AcquireTimeout,
		AcquireQueueCap:     cfg.AcquireQueueCap,
		LaunchOptions: driver.LaunchOptions{
			Headless:         cfg.Headless,
			BrowserPath:      cfg.BrowserPath,
			ProxyURL:         cfg.ProxyURL,
			ProxyUsername:    cfg.ProxyUsername,
			ProxyPassword:    cfg.ProxyPassword,
			IgnoreCertErrors: cfg.IgnoreCertErrors,
		},
	}

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 60*time.Second)
	pool, err := browserpool.New(bootCtx, poolCfg, drv, clk, bus)
	bootCancel()
	if err != nil {
		log.Fatal().Err(err).Msg("browser pool failed to start")
	}

	pages := pagemgr.New(pool, bus, clk, pagemgr.Config{
		IdleSweepInterval: time.Minute,
		IdleTimeout:       cfg.IdleTimeout,
	})

	overlay, err := action.NewOverlay(cfg.ActionSchemaPath, cfg.ActionSchemaHotReload)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build action schema overlay")
	}
	actions := action.NewWithOverlay(overlay)
	contexts := ctxmgr.New(sessions, pool, pages, actions, bus, clk)
	stopSessionWatch := contexts.WatchSessions() // cascades session destroy/expiry into context teardown

	sc := scaler.New(scaler.Config{
		TickInterval:       cfg.ScalerTickInterval,
		SmoothingSamples:   5,
		ScaleUpThreshold:   cfg.ScaleUpThreshold,
		ScaleDownThreshold: cfg.ScaleDownThreshold,
		MaxScaleStep:       cfg.MaxScaleStep,
		Cooldown:           cfg.ScalerCooldown,
		MinBrowsers:        cfg.MinBrowsers,
		RecycleAfterPages:  cfg.RecycleAfterPages,
		RecycleAfterAge:    cfg.RecycleAfterAge,
		RecycleAfterErrors: cfg.RecycleAfterErrors,
		DrainTimeout:       cfg.DrainTimeout,
	}, pool, clk, bus)

	hm := health.New(health.Config{
		TickInterval:          cfg.HealthTickInterval,
		EscalateAfterFailures: cfg.EscalateAfterFailures,
		DrainTimeout:          cfg.DrainTimeout,
	}, pool, clk, bus)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	sc.Start(rootCtx)
	hm.Start(rootCtx)

	rec := audit.New(bus, time.Now, 1000)

	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Int("min_browsers", cfg.MinBrowsers).
		Int("max_browsers", cfg.MaxBrowsers).
		Bool("headless", cfg.Headless).
		Msg("browserfleet core is up")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	signal.Stop(quit)

	log.Info().Msg("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	rootCancel()
	sc.Stop()
	hm.Stop()
	stopSessionWatch()
	rec.Close()
	pages.Close()
	overlay.Close()

	if err := pool.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("browser pool close error")
	}
	sessions.Close()

	log.Info().Msg("shutdown complete")
}

// setupLogging configures zerolog based on the log level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// printBanner prints the startup banner.
func printBanner() {
	banner := `
 _                                  __ _          _
| |__  _ __ _____      _____  ___ _ / _| | ___  ___| |_
| '_ \| '__/ _ \ \ /\ / / __|/ _ \ | |_| |/ _ \/ _ \ __|
| |_) | | | (_) \ V  V /\__ \  __/ |  _| |  __/  __/ |_
|_.__/|_|  \___/ \_/\_/ |___/\___|_|_| |_|\___|\___|\__|
                                                  Go core
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("starting browserfleet")
}
