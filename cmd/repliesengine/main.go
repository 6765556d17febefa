package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/hrygo/repliesengine/ai/assistant"
	"github.com/hrygo/repliesengine/channel"
	"github.com/hrygo/repliesengine/channel/twilio"
	"github.com/hrygo/repliesengine/internal/profile"
	"github.com/hrygo/repliesengine/internal/version"
	"github.com/hrygo/repliesengine/metrics"
	"github.com/hrygo/repliesengine/process"
	"github.com/hrygo/repliesengine/queue"
	"github.com/hrygo/repliesengine/server"
	"github.com/hrygo/repliesengine/server/webhook"
	"github.com/hrygo/repliesengine/staging"
	"github.com/hrygo/repliesengine/store/db"
)

var rootCmd = &cobra.Command{
	Use:   "repliesengine",
	Short: "Batches inbound customer messages and replies through an AI assistant.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		// Load .env from the working directory when present; deployments
		// configure through real environment variables.
		_ = godotenv.Load()
		return nil
	},
	RunE: func(_ *cobra.Command, _ []string) error {
		p := &profile.Profile{
			Mode:    viper.GetString("mode"),
			Addr:    fmt.Sprintf("%s:%d", viper.GetString("addr"), viper.GetInt("port")),
			Driver:  viper.GetString("driver"),
			DSN:     viper.GetString("dsn"),
			Version: version.String(),
		}
		p.FromEnv()
		if err := p.Validate(); err != nil {
			return err
		}

		logger := newLogger(p.LogLevel)
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(context.Background(), terminationSignals...)
		defer stop()

		return run(ctx, p, logger)
	},
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(ctx context.Context, p *profile.Profile, logger *slog.Logger) error {
	database, err := db.NewDB(ctx, p, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     p.RedisAddr,
		Password: p.RedisPassword,
		DB:       p.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	m := metrics.New()
	// Stage and lock must outlive the last trigger redelivery, not just the
	// batch window, or a failed turn comes back to an expired stage.
	stage := staging.NewStageStore(rdb, p.StageTable, p.StageTTL())
	locks := staging.NewLockStore(rdb, p.LockTable, p.StageTTL())

	channelQueues := make(map[channel.Channel]*queue.Queue)
	for _, ch := range []channel.Channel{channel.ChannelWhatsApp, channel.ChannelSMS, channel.ChannelEmail} {
		name, _ := p.QueueForChannel(string(ch))
		channelQueues[ch] = queue.New(rdb, name, p.VisibilityTimeout, p.MaxReceiveCount, m, logger)
	}
	handoffQueue := queue.New(rdb, p.HandoffQueue, p.VisibilityTimeout, p.MaxReceiveCount, m, logger)

	handler := webhook.NewHandler(webhook.Config{
		Store:       database,
		Stage:       stage,
		Locks:       locks,
		Queues:      webhookQueues(channelQueues),
		Handoff:     handoffQueue,
		BatchWindow: p.BatchWindow,
		Metrics:     m,
		Logger:      logger,
	})

	processor := process.NewProcessor(process.ProcessorConfig{
		Store: database,
		Stage: stage,
		Locks: locks,
		NewAI: func(apiKey string) process.AIDriver {
			return assistant.New(apiKey, p.AIPollBudget, logger)
		},
		NewSender: func(accountSid, authToken string) process.OutboundSender {
			return twilio.NewSender(accountSid, authToken, logger)
		},
		StealThreshold: p.StealThreshold(),
		Metrics:        m,
		Logger:         logger,
	})

	srv := server.NewServer(p, handler, m, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })

	// The email channel is ingest-only for now; its queue is drained by the
	// outbound engine, so workers run for the messaging channels.
	for _, ch := range []channel.Channel{channel.ChannelWhatsApp, channel.ChannelSMS} {
		q := channelQueues[ch]
		for i := 0; i < p.Workers; i++ {
			w := process.NewWorker(q, processor, p.HeartbeatInterval, p.HeartbeatExtension, logger)
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	logger.Info("replies engine started",
		"version", version.StringFull(),
		"mode", p.Mode,
		"addr", p.Addr,
		"workers", p.Workers,
		"batch_window", p.BatchWindow.String())

	err = g.Wait()
	logger.Info("replies engine stopped")
	return err
}

// webhookQueues narrows the concrete queues to the handler's interface.
func webhookQueues(qs map[channel.Channel]*queue.Queue) map[channel.Channel]webhook.Enqueuer {
	out := make(map[channel.Channel]webhook.Enqueuer, len(qs))
	for ch, q := range qs {
		out[ch] = q
	}
	return out
}

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "postgres")
	viper.SetDefault("port", 28090)

	rootCmd.PersistentFlags().String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	rootCmd.PersistentFlags().String("addr", "", "address of server")
	rootCmd.PersistentFlags().Int("port", 28090, "port of server")
	rootCmd.PersistentFlags().String("driver", "postgres", "database driver (postgres, sqlite)")
	rootCmd.PersistentFlags().String("dsn", "", "database source name(aka. DSN)")

	for _, name := range []string{"mode", "addr", "port", "driver", "dsn"} {
		if err := viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("replies")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
