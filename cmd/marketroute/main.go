package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/marketroute/marketroute/internal/breaker"
	"github.com/marketroute/marketroute/internal/config"
	"github.com/marketroute/marketroute/internal/failover"
	"github.com/marketroute/marketroute/internal/health"
	"github.com/marketroute/marketroute/internal/metrics"
	"github.com/marketroute/marketroute/internal/priority"
	"github.com/marketroute/marketroute/internal/provider"
	"github.com/marketroute/marketroute/internal/store"
)

const (
	appName = "marketroute"
	version = "v0.3.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var configPath string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Priority-aware failover router for market data providers",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/marketroute.yaml", "path to config file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the routing daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(configPath); err != nil {
				return err
			}
			log.Info().Str("config", configPath).Msg("config is valid")
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, validateCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func runDaemon(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	priorities := priority.NewManager()
	healthSource := health.NewHTTPSource(nil)
	bases := make(map[provider.Key]string)
	var segments []provider.Segment

	for segName, sc := range cfg.Segments {
		seg := provider.Segment(segName)
		segments = append(segments, seg)

		settings := make(map[provider.Provider]priority.Setting, len(sc.Providers))
		for name, pc := range sc.Providers {
			p := provider.Provider(name)
			settings[p] = priority.Setting{Rank: pc.Rank, Weight: pc.Weight}
			if pc.HealthEndpoint != "" {
				healthSource.AddTarget(p, seg, pc.HealthEndpoint)
			}
			if pc.BaseURL != "" {
				bases[provider.Key{Provider: p, Segment: seg}] = pc.BaseURL
			}
		}
		if err := priorities.SetSegmentPriority(seg, settings); err != nil {
			return err
		}
	}

	if cfg.Mode != "" {
		mode, err := priority.ParseMode(cfg.Mode)
		if err != nil {
			return err
		}
		priorities.SetMode(mode)
	}

	var snapshots store.SnapshotStore = store.NewMemory()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		snapshots = store.NewRedis(rdb, cfg.SnapshotKey(), 0)
	}
	if snap, ok, err := snapshots.Load(context.Background()); err != nil {
		log.Warn().Err(err).Msg("could not load priority snapshot")
	} else if ok {
		if err := priorities.ImportConfig(snap); err != nil {
			log.Warn().Err(err).Msg("priority snapshot rejected")
		} else {
			log.Info().Msg("priority snapshot imported")
		}
	}

	breakers := breaker.NewManager(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		OpenTimeout:      cfg.OpenTimeout(),
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	})

	registry := metrics.NewRegistry()
	registry.MustRegister(prometheus.DefaultRegisterer)

	manager := failover.NewManager(priorities, breakers, healthSource, newRESTClient(bases),
		failover.Policy{
			TickInterval:          cfg.TickInterval(),
			DegradedFailoverAfter: cfg.DegradedFailoverAfter,
		},
		failover.WithMetrics(registry),
	)
	manager.RegisterFailoverHandler(func(ev failover.Event) {
		log.Info().
			Str("segment", string(ev.Segment)).
			Str("from", string(ev.From)).
			Str("to", string(ev.To)).
			Str("reason", ev.Reason).
			Bool("success", ev.Success).
			Msg("failover event")
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx, segments...); err != nil {
		return err
	}
	log.Info().Int("segments", len(segments)).Str("mode", string(priorities.CurrentMode())).Msg("marketroute started")

	go serveHTTP(cfg, manager)

	<-ctx.Done()
	log.Info().Msg("shutting down")
	manager.Stop()

	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := snapshots.Save(saveCtx, priorities.ExportConfig()); err != nil {
		log.Warn().Err(err).Msg("could not save priority snapshot")
	}
	return nil
}

func serveHTTP(cfg *config.Config, manager *failover.Manager) {
	addr := cfg.MetricsAddr
	if addr == "" {
		addr = ":9090"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		stats := manager.GetStatistics()
		if len(stats.ActiveProviders) == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "no active providers")
			return
		}
		fmt.Fprintf(w, "ok: %d segments routable\n", len(stats.ActiveProviders))
	})

	log.Info().Str("addr", addr).Msg("metrics endpoint listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics endpoint failed")
	}
}
