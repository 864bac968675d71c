package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/agent"
	"github.com/zulandar/switchboard/internal/channel"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/events"
	"github.com/zulandar/switchboard/internal/intent"
	"github.com/zulandar/switchboard/internal/knowledge"
	"github.com/zulandar/switchboard/internal/llm"
	"github.com/zulandar/switchboard/internal/logging"
	"github.com/zulandar/switchboard/internal/notify"
	"github.com/zulandar/switchboard/internal/notify/discord"
	"github.com/zulandar/switchboard/internal/notify/slack"
	"github.com/zulandar/switchboard/internal/ops"
	"github.com/zulandar/switchboard/internal/pipeline"
	"github.com/zulandar/switchboard/internal/queue"
	"github.com/zulandar/switchboard/internal/safety"
	"github.com/zulandar/switchboard/internal/secret"
	"github.com/zulandar/switchboard/internal/tool"
	"github.com/zulandar/switchboard/internal/variable"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		noOps      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline workers and the ops server",
		Long: `Starts a worker pool per pipeline stage queue, the lease sweeper that
returns abandoned jobs to the queue, and (unless disabled) the ops HTTP
server. Stops gracefully on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, noOps)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&noOps, "no-ops", false, "do not start the ops HTTP server")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, noOps bool) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.RequireRuntime(); err != nil {
		return err
	}
	log := logging.New(logging.Options{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON, Output: cmd.ErrOrStderr()})

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	if err := db.SeedSettings(gormDB, cfg); err != nil {
		return err
	}
	if err := db.SeedUsers(gormDB, cfg.Users); err != nil {
		return err
	}

	secrets, err := secret.New(cfg.Security.EncryptionKey)
	if err != nil {
		return err
	}
	provider := llm.NewProvider(llm.NewClient(cfg.LLM), cfg.LLM.Model, cfg.LLM.EmbeddingModel)
	retriever, err := knowledge.NewRetriever(gormDB, provider, cfg.Knowledge.CacheSize, log.With("component", "knowledge"))
	if err != nil {
		return err
	}
	tools := tool.NewExecutor(gormDB, secrets, cfg.Tools.DefaultTimeout, log.With("component", "tool"))
	engine := agent.NewEngine(gormDB, provider, retriever, tools, agent.Options{
		MaxToolIterations: cfg.Agent.MaxToolIterations,
		MaxDepth:          cfg.Agent.MaxDepth,
		Knowledge:         knowledge.Options{TopK: cfg.Knowledge.TopK, Threshold: cfg.Knowledge.Threshold},
		HTTPTimeout:       cfg.Tools.DefaultTimeout,
	}, log.With("component", "agent"))

	sender, err := buildSender(cfg)
	if err != nil {
		return err
	}
	notifier, err := buildNotifier(cfg, log)
	if err != nil {
		return err
	}
	publisher := events.New(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	defer publisher.Close()

	q := queue.New(gormDB)
	p := pipeline.New(q, pipeline.Deps{
		Intents:   intent.NewRecognizer(gormDB, provider, cfg.LLM.Model, cfg.Pipeline.MinIntentConfidence, log.With("component", "intent")),
		Variables: variable.NewExtractor(gormDB, provider, cfg.LLM.Model, log.With("component", "variable")),
		Agents:    engine,
		Safety:    safety.NewChecker(gormDB, provider, cfg.LLM.Model, log.With("component", "safety")),
		Sender:    sender,
		Notifier:  notifier,
		Events:    publisher,
		Logger:    log.With("component", "pipeline"),
	}, pipeline.Options{
		Attempts:  cfg.Pipeline.Attempts,
		Backoff:   cfg.Pipeline.Backoff,
		AutoReply: cfg.AutoReplyEnabled(),
	})

	runner := queue.NewRunner(q, queue.RunnerOpts{
		Workers:      cfg.Pipeline.Workers,
		PollInterval: cfg.Pipeline.PollInterval,
		Heartbeat:    cfg.Pipeline.Lease / 4,
		Logger:       log.With("component", "queue"),
		OnExhausted:  p.OnExhausted,
	})
	p.Register(runner)
	sweeper, err := runner.StartSweeper(cfg.Pipeline.SweepSchedule, cfg.Pipeline.Lease)
	if err != nil {
		return err
	}
	defer sweeper.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	opsErr := make(chan error, 1)
	if cfg.Ops.Enabled && !noOps {
		go func() {
			opsErr <- ops.Start(ctx, ops.StartOpts{
				DB:       gormDB,
				Pipeline: p,
				Queue:    q,
				Port:     cfg.Ops.Port,
				Logger:   log.With("component", "ops"),
				Out:      cmd.OutOrStdout(),
			})
		}()
	} else {
		opsErr <- nil
	}

	log.Info("switchboard started",
		"workers", cfg.Pipeline.Workers,
		"auto_reply", cfg.AutoReplyEnabled(),
		"notifiers", notifier.Len(),
		"events", len(cfg.Kafka.Brokers) > 0,
	)
	if err := runner.Run(ctx); err != nil {
		return err
	}
	cancel()
	return <-opsErr
}

func buildSender(cfg *config.Config) (channel.Sender, error) {
	if cfg.Channel.RelayURL == "" {
		return channel.Disabled{}, nil
	}
	return channel.NewRelay(channel.RelayOpts{
		URL:       cfg.Channel.RelayURL,
		Token:     cfg.Channel.RelayToken,
		AccountID: cfg.Channel.AccountID,
		Timeout:   cfg.Channel.Timeout,
	})
}

// buildNotifier attaches a chat notifier for every configured channel.
func buildNotifier(cfg *config.Config, log logging.Logger) (*notify.Fanout, error) {
	var ns []notify.Notifier
	if c := cfg.Notify.Slack; c.ChannelID != "" {
		n, err := slack.New(slack.Opts{BotToken: c.Token, ChannelID: c.ChannelID})
		if err != nil {
			return nil, err
		}
		ns = append(ns, n)
	}
	if c := cfg.Notify.Discord; c.ChannelID != "" {
		n, err := discord.New(discord.Opts{BotToken: c.Token, ChannelID: c.ChannelID})
		if err != nil {
			return nil, err
		}
		ns = append(ns, n)
	}
	return notify.NewFanout(log.With("component", "notify"), ns...), nil
}
