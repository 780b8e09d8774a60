package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"SolRounds/internal/agent"
	"SolRounds/internal/api"
	"SolRounds/internal/config"
	"SolRounds/internal/decision"
	"SolRounds/internal/llm/router"
	"SolRounds/internal/market/gmgn"
	"SolRounds/internal/memory"
	"SolRounds/internal/observability/alerting"
	"SolRounds/internal/observability/metrics"
	"SolRounds/internal/scheduler"
	"SolRounds/internal/social"
	"SolRounds/internal/trade"
	"SolRounds/internal/trade/chain"
	"SolRounds/internal/trade/jito"
	"SolRounds/internal/trade/jupiter"
	"SolRounds/internal/trade/wallet"
	"SolRounds/pkg/logger"
)

// main 是 SolRounds 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("solroundsd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	// .env 不存在不是错误，角色绑定可以完全来自 YAML。
	_ = godotenv.Load()

	configPath := os.Getenv("SOLROUNDS_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "solrounds.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 轮次记忆存储。
	var store memory.Store
	switch cfg.Memory.Driver {
	case "", "file":
		store, err = memory.NewFileStore(filepath.Join(cfg.Runtime.DataDir, "rounds"), cfg.Rounds.MaxHistoryRounds)
		if err != nil {
			return err
		}
	case "mysql":
		store, err = memory.NewMySQLStore(ctx, memory.MySQLConfig{
			DSN:             cfg.Memory.DSN,
			MaxRounds:       cfg.Rounds.MaxHistoryRounds,
			MaxOpenConns:    cfg.Memory.MaxOpenConns,
			MaxIdleConns:    cfg.Memory.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Memory.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("未知的记忆存储驱动: %s", cfg.Memory.Driver)
	}
	defer store.Close()

	// 大模型路由与分析角色池。
	llmRouter, err := router.New(cfg.Agents, cfg.LLM)
	if err != nil {
		return err
	}
	pool := agent.NewPool(llmRouter,
		agent.WithTimeout(cfg.RoleTimeout()),
		agent.WithMaxRetries(cfg.Agents.MaxRetries),
		agent.WithRetryBackoff(time.Duration(cfg.Agents.RetryBackoffSeconds)*time.Second),
		agent.WithMaxConcurrent(cfg.Rounds.MaxConcurrent),
	)

	synth := decision.NewSynthesizer(decision.Config{
		MaxSlippageBps: cfg.Trade.MaxSlippageBps,
	})

	marketClient := gmgn.NewClient(cfg.Market.BaseURL, time.Duration(cfg.Market.TimeoutS)*time.Second)

	alerts := alerting.NewFanout(&alerting.LogNotifier{})

	// 交易执行器按配置启用。
	var executor *trade.Executor
	if cfg.Trade.Enabled {
		keyEnv := cfg.Trade.PrivateKeyEnv
		if keyEnv == "" {
			keyEnv = "SOLANA_PRIVATE_KEY"
		}
		signer, err := wallet.NewFromBase58(strings.TrimSpace(os.Getenv(keyEnv)))
		if err != nil {
			return err
		}
		chainClient := chain.NewClient(cfg.Trade.RPCURL)
		executor = trade.NewExecutor(
			jupiter.NewClient(
				jupiter.WithBaseURL(cfg.Trade.AggregatorBaseURL),
				jupiter.WithQuoteTTL(time.Duration(cfg.Trade.QuoteTTLSeconds)*time.Second),
			),
			signer,
			jito.NewClient(jito.WithBaseURL(cfg.Trade.RelayBaseURL)),
			chainClient,
			chainClient,
			trade.WithTipLamports(cfg.Trade.TipLamports),
			trade.WithSubmitRetries(cfg.Trade.SubmitRetries),
			trade.WithQuoteTTL(time.Duration(cfg.Trade.QuoteTTLSeconds)*time.Second),
			trade.WithConfirmTimeout(time.Duration(cfg.Trade.ConfirmTimeoutS)*time.Second),
		)
	}

	// 社交动作队列与发布器。
	var socialQueue social.Queue
	var deduper social.Deduper
	switch cfg.Social.Queue.Driver {
	case "", "memory":
		socialQueue = social.NewMemoryQueue(1024)
		deduper = social.NewMemoryDeduper()
	case "redis":
		redisCfg := social.RedisQueueConfig{
			Address:   cfg.Social.Queue.Redis.Address,
			Password:  cfg.Social.Queue.Redis.Password,
			DB:        cfg.Social.Queue.Redis.DB,
			Queue:     cfg.Social.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Social.Queue.Redis.BlockWait) * time.Second,
		}
		queue, err := social.NewRedisQueue(redisCfg)
		if err != nil {
			return err
		}
		socialQueue = queue
		redisDeduper, err := social.NewRedisDeduper(redisCfg)
		if err != nil {
			return err
		}
		defer redisDeduper.Close()
		deduper = redisDeduper
	case "rabbitmq":
		queue, err := social.NewRabbitMQQueue(social.RabbitMQConfig{
			URL:        cfg.Social.Queue.RabbitMQ.URL,
			Queue:      cfg.Social.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Social.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Social.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Social.Queue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		socialQueue = queue
		deduper = social.NewMemoryDeduper()
	default:
		return fmt.Errorf("未知的社交队列驱动: %s", cfg.Social.Queue.Driver)
	}
	defer socialQueue.Close()

	publisher := social.NewPublisher(socialQueue, social.NewConsolePlatform(), deduper,
		social.WithLimits(social.Limits{
			TweetsPerHour:   cfg.Social.MaxTweetsPerHour,
			RepliesPerHour:  cfg.Social.MaxRepliesPerHour,
			LikesPerHour:    cfg.Social.MaxLikesPerHour,
			RetweetsPerHour: cfg.Social.MaxRetweetsPerHour,
		}),
		social.WithIntervalWindow(
			time.Duration(cfg.Social.MinActionInterval)*time.Second,
			time.Duration(cfg.Social.MaxActionInterval)*time.Second,
		),
		social.WithDedupeTTL(time.Duration(cfg.Social.DedupeTTLHours)*time.Hour),
		social.WithWorkers(cfg.Social.Workers),
		social.WithHooks(
			func(kind social.Kind) {
				metrics.SocialPublishedTotal.WithLabelValues(string(kind)).Inc()
			},
			func(kind social.Kind, reason string) {
				metrics.SocialDroppedTotal.WithLabelValues(string(kind), reason).Inc()
			},
		),
	)

	assets := make([]agent.Asset, 0, len(cfg.Assets))
	for _, asset := range cfg.Assets {
		assets = append(assets, agent.Asset{Symbol: asset.Symbol, Name: asset.Name, Mint: asset.Mint})
	}

	schedOpts := []scheduler.SchedulerOption{
		scheduler.WithInterval(cfg.RoundInterval()),
		scheduler.WithSocialSink(publisher),
		scheduler.WithAlerts(alerts),
	}
	if executor != nil {
		schedOpts = append(schedOpts, scheduler.WithExecutor(executor))
	}
	sched := scheduler.NewScheduler(marketClient, pool, synth, store, assets, schedOpts...)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := publisher.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("社交发布器异常退出: %v", err)
		}
	}()
	go func() {
		if err := sched.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("调度器异常退出: %v", err)
		}
	}()

	var trades api.TradeController
	if executor != nil {
		trades = executor
	}
	server := api.NewServer(cfg.Server.Address, sched, trades, store)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
