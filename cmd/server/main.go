package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/alert-correlation/internal/dispatch"
	"github.com/t77yq/alert-correlation/internal/engine"
	"github.com/t77yq/alert-correlation/internal/ingest"
	"github.com/t77yq/alert-correlation/internal/monitor"
	"github.com/t77yq/alert-correlation/internal/rule"
	"github.com/t77yq/alert-correlation/internal/storage"
)

func main() {
	// Initialize logger
	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	if err := viper.ReadInConfig(); err != nil {
		logger.Fatal("Failed to read config file", zap.Error(err))
	}

	// Connect to NATS with more options
	opts := []nats.Option{
		nats.Name(viper.GetString("app.name")),
		nats.MaxReconnects(viper.GetInt("nats.max_reconnects")),
		nats.ReconnectWait(viper.GetDuration("nats.reconnect_wait")),
		nats.Timeout(viper.GetDuration("nats.connect_timeout")),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024), // 5MB
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS connection error",
				zap.String("subject", sub.Subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	// Connect with retry
	var nc *nats.Conn
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(viper.GetString("nats.urls.0"), opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))

	// Create JetStream context
	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	// Open the durable store
	store, err := storage.NewSQLiteStore(logger, viper.GetString("storage.path"))
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer store.Close()

	// Load correlation rules and policies
	rules, err := loadCorrelationRules()
	if err != nil {
		logger.Fatal("Failed to load correlation rules", zap.Error(err))
	}
	aggregations, err := loadAggregationRules()
	if err != nil {
		logger.Fatal("Failed to load aggregation rules", zap.Error(err))
	}
	assignments, err := loadAssignmentPolicies()
	if err != nil {
		logger.Fatal("Failed to load assignment policies", zap.Error(err))
	}
	shields, err := loadShieldPolicies()
	if err != nil {
		logger.Fatal("Failed to load shield policies", zap.Error(err))
	}

	evaluator := rule.NewEvaluator(logger)
	if err := evaluator.LoadRules(rules); err != nil {
		logger.Fatal("Failed to compile correlation rules", zap.Error(err))
	}
	assigner := engine.NewAssigner(logger, viper.GetBool("engine.additive_assignment"))
	if err := assigner.LoadPolicies(assignments); err != nil {
		logger.Fatal("Failed to compile assignment policies", zap.Error(err))
	}
	shielder := engine.NewShielder(logger)
	if err := shielder.LoadPolicies(shields); err != nil {
		logger.Fatal("Failed to compile shield policies", zap.Error(err))
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// Wire the pipeline: dispatcher, correlator, ingestor
	dispatcher := dispatch.NewNATSDispatcher(js, logger)
	if err := dispatcher.Start(ctx); err != nil {
		logger.Fatal("Failed to start dispatcher", zap.Error(err))
	}

	correlator := engine.NewCorrelator(logger, store, evaluator, assigner, shielder, dispatcher)
	if err := correlator.LoadAggregationRules(aggregations); err != nil {
		logger.Fatal("Failed to compile aggregation rules", zap.Error(err))
	}

	ingestor := ingest.NewIngestor(js, logger, correlator.HandleEvent)
	if err := ingestor.Start(ctx); err != nil {
		logger.Fatal("Failed to start ingestor", zap.Error(err))
	}
	defer ingestor.Stop()

	// Collector health and resource monitoring
	collectorMonitor := monitor.NewCollectorMonitor(logger, store)
	resourceMonitor := monitor.NewResourceMonitor(logger, viper.GetDuration("monitor.sample_interval"))
	resourceMonitor.Start(ctx)
	defer resourceMonitor.Stop()

	// Periodic sweeps
	sweeper := engine.NewSweeper(logger)
	sweeps := []struct {
		name string
		key  string
		job  func()
	}{
		{"window-tick", "sweep.window_tick", func() {
			correlator.Tick(ctx, time.Now().UTC())
		}},
		{"session-reap", "sweep.session_reap", func() {
			correlator.Reap(ctx, time.Now().UTC())
		}},
		{"reminder", "sweep.reminder", func() {
			if err := correlator.SweepReminders(ctx, time.Now().UTC()); err != nil {
				logger.Error("Reminder sweep failed", zap.Error(err))
			}
		}},
		{"collector-health", "sweep.collector_health", func() {
			if err := collectorMonitor.Sweep(ctx, time.Now().UTC()); err != nil {
				logger.Error("Collector health sweep failed", zap.Error(err))
			}
		}},
	}
	for _, sweep := range sweeps {
		if err := sweeper.Add(sweep.name, viper.GetString(sweep.key), sweep.job); err != nil {
			logger.Fatal("Failed to register sweep", zap.String("name", sweep.name), zap.Error(err))
		}
	}
	sweeper.Start()
	defer sweeper.Stop()

	// Expose prometheus metrics
	go func() {
		addr := viper.GetString("metrics.listen_addr")
		if addr == "" {
			return
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("Serving metrics", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("Metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("Correlation engine started",
		zap.Int("rules", len(rules)),
		zap.Int("assignment_policies", len(assignments)),
		zap.Int("shield_policies", len(shields)))

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("Server shutting down gracefully")
}
