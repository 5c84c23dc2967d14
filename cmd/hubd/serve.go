package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/cuemby/warren/pkg/api"
	"github.com/cuemby/warren/pkg/clock"
	"github.com/cuemby/warren/pkg/config"
	"github.com/cuemby/warren/pkg/delivery"
	"github.com/cuemby/warren/pkg/feed"
	"github.com/cuemby/warren/pkg/fetch"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/poller"
	"github.com/cuemby/warren/pkg/queue"
	"github.com/cuemby/warren/pkg/signing"
	"github.com/cuemby/warren/pkg/storage"
	"github.com/cuemby/warren/pkg/subscription"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub's HTTP server, dispatcher, and bootstrap scheduler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	// --log-level/--log-json on the command line win over the config file,
	// so re-init with whichever the operator actually set.
	levelSet, jsonSet := cmd.Flags().Changed("log-level"), cmd.Flags().Changed("log-json")
	if !levelSet || !jsonSet {
		level, _ := cmd.Flags().GetString("log-level")
		logJSON, _ := cmd.Flags().GetBool("log-json")
		if !levelSet && cfg.LogLevel != "" {
			level = cfg.LogLevel
		}
		if !jsonSet {
			logJSON = cfg.LogJSON
		}
		log.Init(log.Config{Level: log.Level(level), JSONOutput: logJSON})
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("hubd: opening store: %w", err)
	}
	defer store.Close()

	var q queue.Queue
	switch cfg.QueueBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		q = queue.NewRedisQueue(client)
	default:
		clk := clock.New()
		q = queue.NewMemoryQueue(func() int64 { return clk.Now().Unix() })
	}
	defer q.Close()

	clk := clock.New()
	httpClient := &http.Client{Timeout: 30 * time.Second}

	subs := subscription.New(store, q, clk, httpClient, cfg.DevEnv)
	fp := fetch.New(store, q, subs, feed.DefaultDiffer{}, clk, httpClient)
	eng := delivery.New(store, q, subs, signing.HMACSHA1Signer{}, clk, httpClient)
	p := poller.New(store, q, fp, clk)

	server := api.NewServer(subs, fp, eng, p, cfg.DevEnv, cfg.AdminToken)

	logger := log.WithComponent("hubd")

	disp := newDispatcher(q, time.Second, logger)
	disp.handle(subscription.QueueName, func(ctx context.Context, params map[string]string) error {
		return subs.ConfirmWork(ctx, params["subscription_key"])
	})
	disp.handle(fetch.QueueName, func(ctx context.Context, params map[string]string) error {
		return fp.Work(ctx, params["topic_key"])
	})
	disp.handle(delivery.QueueName, func(ctx context.Context, params map[string]string) error {
		return eng.Work(ctx, params["event_key"])
	})
	disp.handle(poller.QueueName, func(ctx context.Context, params map[string]string) error {
		return p.Work(ctx, params["sequence"], params["current_key"])
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go disp.run(ctx)

	var scheduler *cron.Cron
	if cfg.SchedulerEnabled {
		scheduler = cron.New()
		if _, err := scheduler.AddFunc("@every 1h", func() {
			if err := p.Trigger(context.Background()); err != nil {
				logger.Error().Err(err).Msg("bootstrap trigger failed")
			}
		}); err != nil {
			return fmt.Errorf("hubd: scheduling bootstrap trigger: %w", err)
		}
		if _, err := scheduler.AddFunc("@daily", func() {
			n, err := p.CleanupEvents(context.Background(), eng)
			if err != nil {
				logger.Error().Err(err).Msg("event cleanup failed")
				return
			}
			logger.Info().Int("reaped", n).Msg("event cleanup complete")
		}); err != nil {
			return fmt.Errorf("hubd: scheduling event cleanup: %w", err)
		}
		scheduler.Start()
		defer func() { <-scheduler.Stop().Done() }()
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("hubd: http server error: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}
