// Command ingester runs the event ingestion core.
//
// It consumes raw analytics events from the intake topic, routes them
// through the worker pool for plugin transformation and processing, and
// emits canonical events to the configured sink.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	"github.com/meridianhq/meridian/internal/config"
	"github.com/meridianhq/meridian/internal/emit"
	"github.com/meridianhq/meridian/internal/event"
	"github.com/meridianhq/meridian/internal/ident"
	"github.com/meridianhq/meridian/internal/identity"
	"github.com/meridianhq/meridian/internal/person"
	"github.com/meridianhq/meridian/internal/platform/cache"
	"github.com/meridianhq/meridian/internal/platform/kafka"
	"github.com/meridianhq/meridian/internal/platform/storage"
	"github.com/meridianhq/meridian/internal/plugin"
	"github.com/meridianhq/meridian/internal/pool"
	"github.com/meridianhq/meridian/internal/process"
	"github.com/meridianhq/meridian/internal/report"
	"github.com/meridianhq/meridian/internal/team"
)

func main() {
	configPath := flag.String("config", getEnv("CONFIG_PATH", ""), "Path to YAML config file")
	brokers := flag.String("brokers", getEnv("KAFKA_BROKERS", ""), "Override Kafka broker list")
	workers := flag.Int("workers", getEnvInt("WORKER_CONCURRENCY", 0), "Override worker concurrency")
	logLevel := flag.String("log-level", getEnv("LOG_LEVEL", ""), "Log level: debug, info, warn, error")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *brokers != "" {
		cfg.Kafka.Brokers = *brokers
	}
	if *workers > 0 {
		cfg.Pool.Concurrency = *workers
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil && err != context.Canceled {
		logger.Error("ingester error", "error", err)
		os.Exit(1)
	}

	logger.Info("ingester shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := storage.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	sharedCache, err := cache.New(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect cache: %w", err)
	}
	defer sharedCache.Close()

	var producer *kafka.Producer
	if cfg.Kafka.LogSink {
		topicMgr, err := kafka.NewTopicManager(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("create topic manager: %w", err)
		}
		if err := topicMgr.EnsureTopics(ctx, kafka.DefaultTopicConfigs()); err != nil {
			topicMgr.Close()
			return fmt.Errorf("ensure topics: %w", err)
		}
		topicMgr.Close()

		producer, err = kafka.NewProducer(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("create producer: %w", err)
		}
		defer producer.Close()
	}

	teams := team.NewCache(team.NewPGStore(db), cfg.TeamCacheTTL)
	persons := person.NewStore(db, producer, nil)
	personMgr := person.NewManager(persons, sharedCache, 0)
	reporter := report.NewLogReporter(logger)
	resolver := identity.NewResolver(persons, reporter, producer != nil)

	var rows *emit.RowSink
	var logSink emit.LogProducer
	if producer != nil {
		logSink = producer
	} else {
		rows = emit.NewRowSink(db)
	}
	emitter := emit.NewEmitter(teams, personMgr, resolver, logSink, rows)

	metrics := process.NewMetrics(prometheus.DefaultRegisterer)
	processor := process.NewProcessor(resolver, emitter, reporter, metrics)

	factory, err := transformerFactory(ctx, cfg, db, producer, logger)
	if err != nil {
		return err
	}

	workerPool, err := pool.New(cfg.Pool, factory, processor)
	if err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	defer workerPool.Destroy(context.Background())

	consumer, err := newIntakeConsumer(cfg)
	if err != nil {
		return err
	}
	defer consumer.Close()

	logger.Info("ingester running",
		"brokers", cfg.Kafka.Brokers,
		"workers", cfg.Pool.Concurrency,
		"log_sink", cfg.Kafka.LogSink,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serveMetrics(ctx, cfg.MetricsAddr)
	})
	g.Go(func() error {
		return consumeLoop(ctx, consumer, workerPool)
	})
	return g.Wait()
}

// transformerFactory builds the per-worker plugin transformer. Without a
// configured plugin every worker gets a passthrough.
func transformerFactory(ctx context.Context, cfg *config.Config, db *storage.DB, producer *kafka.Producer, logger *slog.Logger) (plugin.Factory, error) {
	if cfg.Plugin.ID == "" {
		return nil, nil
	}

	runtime := plugin.NewRuntime(cfg.Plugin.Runtime, logger)
	loader, err := plugin.NewLoader(cfg.Plugin.Loader, runtime, logger)
	if err != nil {
		return nil, fmt.Errorf("create plugin loader: %w", err)
	}

	module, err := loader.Load(ctx, cfg.Plugin.ID)
	if err != nil {
		return nil, fmt.Errorf("load plugin %s: %w", cfg.Plugin.ID, err)
	}

	pluginLogs := report.NewPluginLogStore(db, producer)
	instanceID := ident.MustNew()

	return func() (plugin.Transformer, error) {
		logFn := func(level int, msg string) {
			entry := report.PluginLogEntry{
				Source:     "plugin",
				Type:       logType(level),
				Message:    msg,
				InstanceID: instanceID,
			}
			if err := pluginLogs.Write(context.Background(), entry); err != nil {
				slog.Warn("write plugin log entry failed", "error", err)
			}
		}
		return plugin.NewWasmTransformer(runtime, module, logFn), nil
	}, nil
}

func logType(level int) string {
	switch level {
	case 0:
		return "DEBUG"
	case 2:
		return "WARN"
	case 3:
		return "ERROR"
	default:
		return "INFO"
	}
}

func newIntakeConsumer(cfg *config.Config) (*kgo.Client, error) {
	brokerList := strings.Split(cfg.Kafka.Brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(brokerList...),
		kgo.ConsumerGroup(cfg.Kafka.ConsumerGroup),
		kgo.ConsumeTopics(kafka.TopicIngestion),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("create intake consumer: %w", err)
	}
	return consumer, nil
}

// consumeLoop pulls raw events off the intake topic and runs each through
// the pool: plugin transform first, then ingestion. Offsets are committed
// per poll; at-least-once delivery is absorbed downstream.
func consumeLoop(ctx context.Context, consumer *kgo.Client, workerPool *pool.Pool) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		fetches := consumer.PollFetches(ctx)
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				if e.Err == context.Canceled {
					continue
				}
				slog.Error("fetch error", "topic", e.Topic, "partition", e.Partition, "error", e.Err)
			}
			continue
		}

		fetches.EachRecord(func(record *kgo.Record) {
			var ev event.PluginEvent
			if err := json.Unmarshal(record.Value, &ev); err != nil {
				slog.Error("unmarshal raw event", "offset", record.Offset, "error", err)
				return
			}
			if ev.UUID == "" {
				ev.UUID = ident.MustNew().String()
			}

			go func() {
				result, err := workerPool.RunTask(ctx, pool.Task{Name: pool.TaskProcessEvent, Event: &ev})
				if err != nil {
					slog.Error("plugin task failed", "event_uuid", ev.UUID, "error", err)
					return
				}
				if result.Event == nil {
					slog.Debug("event dropped by plugin", "event_uuid", ev.UUID)
					return
				}
				if _, err := workerPool.RunTask(ctx, pool.Task{Name: pool.TaskIngestEvent, Event: result.Event}); err != nil {
					slog.Error("ingest task failed", "event_uuid", ev.UUID, "error", err)
				}
			}()
		})

		if err := consumer.CommitUncommittedOffsets(ctx); err != nil && err != context.Canceled {
			slog.Error("commit error", "error", err)
		}
	}
}

func serveMetrics(ctx context.Context, addr string) error {
	registry := prometheus.DefaultGatherer
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// getEnv returns environment variable value or default.
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvInt returns environment variable as int or default.
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		var result int
		if _, err := fmt.Sscanf(val, "%d", &result); err == nil {
			return result
		}
	}
	return defaultVal
}
