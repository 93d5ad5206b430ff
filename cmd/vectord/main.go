package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"vector-llm/internal/api"
	"vector-llm/internal/config"
	xerrors "vector-llm/internal/errors"
	"vector-llm/internal/observability/alerting"
	"vector-llm/internal/provider"
	"vector-llm/internal/task"
	"vector-llm/pkg/logger"
)

// main 是 vectord 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("vectord 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	// provider 查找表：内置两家，可用 providers.yaml 扩展。
	registry := provider.NewRegistry()
	if cfg.LLM.ProvidersFile != "" {
		if err := registry.LoadFile(cfg.LLM.ProvidersFile); err != nil {
			return err
		}
	}
	resolver := provider.NewResolver(registry, provider.Settings{
		Configured: cfg.LLM.Provider,
		Testing:    cfg.LLM.Testing,
	})
	client := provider.NewClient(registry, cfg.LLM.HTTPTimeout())

	store, err := createStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if store != nil {
			_ = store.Close()
		}
	}()

	queue, err := createQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if queue != nil {
			if err := queue.Close(); err != nil {
				logger.L().Warn("关闭任务队列失败", "error", err)
			}
		}
	}()

	service := task.NewService(store, queue)
	coordinator := task.NewCoordinator(service, store,
		cfg.Batch.WaitTimeout(), cfg.Batch.PollInterval())

	workerOpts := []task.WorkerOption{
		task.WithWorkerCount(cfg.TaskQueue.Workers),
	}
	if cfg.Alerting.Enabled {
		dispatcher := createDispatcher(cfg)
		workerOpts = append(workerOpts, task.WithFailureHook(
			func(ctx context.Context, t *task.Task, cause error) {
				_ = dispatcher.Notify(ctx, alerting.Event{
					Code:       xerrors.CodeOf(cause),
					Message:    cause.Error(),
					Severity:   xerrors.SeverityOf(cause),
					TaskID:     t.ID,
					RunID:      t.RunID,
					PhaseID:    t.PhaseID,
					Provider:   t.Provider,
					OccurredAt: time.Now(),
				})
			}))
	}
	worker := task.NewWorker(store, queue, resolver, client, workerOpts...)

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	go func() {
		if err := worker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务执行器异常退出", "error", err)
		}
	}()

	server := api.NewServer(cfg.Server.Address, service, coordinator)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// loadConfig 按 VECTOR_CONFIG 指定的路径加载配置；
// 未指定且默认路径不存在时退回到纯环境变量配置。
func loadConfig() (*config.Config, error) {
	configPath := os.Getenv("VECTOR_CONFIG")
	if configPath == "" {
		fallback := filepath.Join("configs", "vector.json")
		if _, err := os.Stat(fallback); err != nil {
			return config.Default(), nil
		}
		configPath = fallback
	}
	return config.Load(configPath)
}

func createStore(cfg *config.Config) (task.Store, error) {
	switch cfg.ResultStore.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "redis":
		return task.NewRedisStore(task.RedisStoreConfig{
			Address:   cfg.ResultStore.Redis.Address,
			Password:  cfg.ResultStore.Redis.Password,
			DB:        cfg.ResultStore.Redis.DB,
			KeyPrefix: cfg.ResultStore.Redis.KeyPrefix,
			TTL:       time.Duration(cfg.ResultStore.Redis.TTLSeconds) * time.Second,
		})
	case "mysql":
		return task.NewMySQLStore(cfg.ResultStore.DSN)
	default:
		return nil, fmt.Errorf("未知的结果存储驱动: %s", cfg.ResultStore.Driver)
	}
}

func createQueue(cfg *config.Config) (task.Queue, error) {
	switch cfg.TaskQueue.Driver {
	case "", "memory":
		return task.NewMemoryQueue(1024), nil
	case "redis":
		return task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.TaskQueue.Redis.Address,
			Password:  cfg.TaskQueue.Redis.Password,
			DB:        cfg.TaskQueue.Redis.DB,
			Queue:     cfg.TaskQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.TaskQueue.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.TaskQueue.RabbitMQ.URL,
			Queue:      cfg.TaskQueue.RabbitMQ.Queue,
			Prefetch:   cfg.TaskQueue.RabbitMQ.Prefetch,
			Durable:    cfg.TaskQueue.RabbitMQ.Durable,
			AutoDelete: cfg.TaskQueue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.TaskQueue.Driver)
	}
}

func createDispatcher(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	return alerting.NewFanout(notifiers...)
}
