package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"gather/internal/config"
	"gather/internal/engine"
	appLog "gather/internal/log"
	"gather/internal/store"
	"gather/internal/web"
)

type flagConfig struct {
	configPath string
	listen     string
	once       bool
}

func main() {
	appLog.Info("gatherd starting", "version", "0.1.0-dev")

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	appLog.SetLevel(conf.LogLevel)

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"skew_tolerance", conf.SkewTolerance,
		"notification_horizon", conf.NotificationHorizon,
		"subscription_timeout", conf.SubscriptionTimeout,
		"once", flags.once,
	)

	st := store.NewMemStore()
	defer st.Close()

	eng := engine.New(st, engine.Options{
		Skew:                conf.SkewTolerance.Std(),
		Horizon:             conf.NotificationHorizon.Std(),
		SubscriptionTimeout: conf.SubscriptionTimeout.Std(),
		RetryBackoff:        conf.RetryBackoff.Std(),
		RetryMax:            conf.RetryMax,
	})
	defer eng.Close()

	// The daemon serves the anonymous view until an identity provider
	// integration feeds SetIdentity at runtime.
	eng.SetIdentity(nil, false)

	if flags.once {
		view := eng.Snapshot()
		out := struct {
			Upcoming any    `json:"upcoming"`
			Past     any    `json:"past"`
			Loading  bool   `json:"loading"`
			Degraded bool   `json:"degraded"`
			Error    string `json:"error,omitempty"`
			Version  uint64 `json:"version"`
		}{view.Upcoming, view.Past, view.Loading, view.Degraded, "", view.Version}
		if view.Err != nil {
			out.Error = view.Err.Error()
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			appLog.Error("failed to encode snapshot", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	// Periodic clock tick: re-partitions the view so events age across the
	// hysteresis boundary even when no store delivery arrives.
	sched := cron.New()
	if _, err := sched.AddFunc(conf.RefreshCron, eng.Refresh); err != nil {
		appLog.Error("invalid refresh schedule", err, "refresh", conf.RefreshCron)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	srv := web.NewServer(conf, eng, st, nil)
	if err := srv.Serve(ctx); err != nil {
		appLog.Error("HTTP server exited", err)
		os.Exit(1)
	}

	appLog.Info("gatherd exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/gather/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Print one view snapshot as JSON and exit")

	flag.Parse()

	return cfg
}
