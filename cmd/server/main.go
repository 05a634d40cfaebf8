package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailtriage/internal/api"
	"mailtriage/internal/config"
	"mailtriage/internal/httpserver"
	"mailtriage/internal/repository"
	"mailtriage/internal/service/chat"
	"mailtriage/internal/service/gateway"
	"mailtriage/internal/service/pipeline"
	"mailtriage/internal/service/stage"
	"mailtriage/pkg/filelock"
	"mailtriage/pkg/logger"
	"mailtriage/pkg/mq"
	"mailtriage/pkg/redis"
	"mailtriage/pkg/util"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}
	log := logger.NewLogger(cfg.Log.Level)
	defer log.Sync()

	log.Info("Starting mailtriage server...", zap.String("config", cfg.String()))

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		log.Fatal("failed to create data dir", zap.Error(err))
	}

	// stores
	lockOpts := filelock.Options{Timeout: cfg.Storage.LockTimeout, Interval: cfg.Storage.LockInterval}
	mailbox := repository.NewMailboxRepository(cfg.MailboxPath(), lockOpts, log)
	prompts := repository.NewPromptRepository(cfg.PromptsPath(), lockOpts, log)

	// model gateway
	client := gateway.NewClient(gateway.Config{
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		APIKey:  cfg.LLM.APIKey,
		Timeout: cfg.LLM.Timeout,
	}, log)
	gw := gateway.NewThrottled(client, cfg.LLM.MinInterval)

	stageOpts := stage.Options{
		Attempts:       cfg.LLM.Attempts,
		GatewayBackoff: cfg.LLM.Backoff,
		DraftSender:    cfg.Pipeline.DraftSender,
	}
	deps := pipeline.Deps{
		Store:       mailbox,
		Prompts:     prompts,
		Categorizer: stage.NewCategorizer(gw, prompts, mailbox, stageOpts, log),
		Extractor:   stage.NewExtractor(gw, prompts, mailbox, stageOpts, log),
		Drafter:     stage.NewDrafter(gw, prompts, mailbox, stageOpts, log),
	}

	var checks []httpserver.Check
	checks = append(checks, httpserver.Check{Name: "mailbox", Fn: func(ctx context.Context) error {
		_, err := mailbox.ReadAll(ctx)
		return err
	}})

	// Redis（可选）：跨进程草稿认领 + 阶段失败预算
	rdb := redis.NewRedisClient(cfg.Redis)
	if rdb != nil {
		defer rdb.Close()
		owner, _ := os.Hostname()
		owner += "/" + uuid.NewString()
		deps.Claims = util.NewDeduper(rdb, 10*time.Minute, owner, log)
		deps.Failures = util.NewRetryCounter(rdb, time.Hour)
		checks = append(checks, httpserver.Check{Name: "redis", Fn: func(ctx context.Context) error {
			return redis.Ping(ctx, rdb)
		}})
		log.Info("Redis coordination enabled", zap.String("addr", cfg.Redis.Addr))
	}

	// MQ（可选）：发布处理事件
	var publisher *mq.Publisher
	if cfg.MQ.URL != "" {
		publisher, err = mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			log.Fatal("failed to init event publisher", zap.Error(err))
		}
		defer publisher.Close()
		deps.Events = publisher
		checks = append(checks, httpserver.Check{Name: "mq", Fn: func(context.Context) error {
			if !publisher.IsConnected() {
				return errors.New("publisher connection closed")
			}
			return nil
		}})
	}

	proc := pipeline.New(deps, pipeline.Options{
		DataDir:          cfg.Storage.DataDir,
		RescanInterval:   cfg.Pipeline.RescanInterval,
		Pause:            cfg.Pipeline.Pause,
		QuotaBackoff:     cfg.Pipeline.QuotaBackoff,
		BackoffSlice:     cfg.Pipeline.BackoffSlice,
		MaxStageFailures: int64(cfg.Pipeline.MaxStageFailures),
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// mailbox.changed 事件 → 立即扫描
	if cfg.MQ.URL != "" {
		consumer, err := mq.NewConsumer(cfg.MQ.URL, "", mq.RoutingMailboxChanged,
			func(context.Context, json.RawMessage) error {
				proc.Trigger()
				return nil
			}, log)
		if err != nil {
			log.Fatal("mailbox consumer init failed", zap.Error(err))
		}
		defer consumer.Close()
		go func() {
			if err := consumer.StartConsuming(ctx); err != nil {
				log.Error("mailbox consumer stopped", zap.Error(err))
			}
		}()
	}

	// 同一数据目录下的写入者（mailctl 等）通过文件监听触发扫描
	if cfg.Pipeline.Watch {
		watcher, err := pipeline.NewWatcher(mailbox.Path(), proc.Trigger, cfg.Pipeline.WatchDebounce, log)
		if err != nil {
			log.Warn("mailbox watcher disabled", zap.Error(err))
		} else {
			defer watcher.Close()
			go watcher.Run(ctx)
		}
	}

	if _, err := proc.LoadAndProcess(ctx, false); err != nil {
		log.Warn("initial mailbox read failed", zap.Error(err))
	}
	proc.Start(ctx)

	assistant := chat.NewAssistant(gw, mailbox, log)
	router := httpserver.NewRouter(
		api.NewMailHandler(proc, assistant, log),
		api.NewAdminHandler(proc, prompts, log),
		checks...,
	)
	srv := router.Server(cfg.Server.Port)

	go func() {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 优雅退出处理
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down mailtriage server gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}

	// 停止后台扫描，等待当前邮件处理结束
	cancel()
	proc.Wait()

	log.Info("mailtriage server shutdown complete")
}
