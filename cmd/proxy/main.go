// Command proxy is the condensation-proxy entrypoint, wiring configuration,
// logging, metrics, a broker delegate, and the send/receive engines the
// same way the teacher's ws/main.go wires its server.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/chriswithf/broker-condense-proxy/internal/broker"
	"github.com/chriswithf/broker-condense-proxy/internal/broker/kafkabroker"
	"github.com/chriswithf/broker-condense-proxy/internal/broker/memorybroker"
	"github.com/chriswithf/broker-condense-proxy/internal/broker/natsbroker"
	"github.com/chriswithf/broker-condense-proxy/internal/condense"
	"github.com/chriswithf/broker-condense-proxy/internal/config"
	"github.com/chriswithf/broker-condense-proxy/internal/consumerproxy"
	"github.com/chriswithf/broker-condense-proxy/internal/criteria"
	"github.com/chriswithf/broker-condense-proxy/internal/expand"
	"github.com/chriswithf/broker-condense-proxy/internal/logging"
	"github.com/chriswithf/broker-condense-proxy/internal/proxyengine"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides PROXY_LOG_LEVEL)")
	flag.Parse()

	bootstrap := logging.New("info", "json")

	maxProcs := runtime.GOMAXPROCS(0)
	bootstrap.Info().Int("gomaxprocs", maxProcs).Msg("starting broker condensation proxy")

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(logger)

	delegate, consumerDelegate, closeDelegate := buildDelegate(cfg, logger)
	defer closeDelegate()

	var predicates *criteria.Chain
	if cfg.CriteriaEnabled {
		predicates = criteria.NewChain()
	}

	var sampler condense.LoadSampler
	if cfg.CPUPauseThreshold > 0 {
		sampler = condense.NewGopsutilLoadSampler(100 * time.Millisecond)
	}

	proxyCfg := proxyengine.Config{
		CondenserEnabled:       cfg.CondenserEnabled,
		CriteriaEnabled:        cfg.CriteriaEnabled,
		WindowMs:               cfg.WindowMs,
		MaxBatchSize:           cfg.MaxBatchSize,
		FlushIntervalMs:        cfg.FlushIntervalMs,
		PreserveMessageOrder:   cfg.PreserveOrder,
		MetricsEnabled:         cfg.MetricsEnabled,
		CPUPauseThreshold:      cfg.CPUPauseThreshold,
		TimestampFieldsExclude: cfg.TimestampExcludeList(),
		TimestampFieldsExtract: cfg.TimestampExtractList(),
		DeliveryMode:           broker.DeliveryNonPersistent,
	}
	proxy := proxyengine.New(proxyCfg, delegate, predicates, sampler, logger)

	expander := expand.New(expand.Options{})
	consumer := consumerproxy.New(consumerDelegate, expander, logger, consumerproxy.WithQueueCapacity(cfg.ConsumerQueueCapacity))

	proxyengine.RegisterMetrics(cfg.MetricsEnabled)
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: proxyengine.MetricsHandler()}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
	}

	consumer.Listen(func(m *broker.Message) {
		logger.Debug().Str("id", m.ID).Msg("delivered message to application listener")
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down condensation proxy")
	if err := proxy.Close(); err != nil {
		logger.Error().Err(err).Msg("error during proxy shutdown")
	}
	if err := consumer.Close(); err != nil {
		logger.Error().Err(err).Msg("error during consumer shutdown")
	}
	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("error shutting down metrics server")
		}
	}
}

// buildDelegate selects a broker delegate from configuration: Kafka if
// brokers are configured, else NATS if a URL is configured, else an
// in-process memory link for local demo/testing.
func buildDelegate(cfg *config.Config, logger zerolog.Logger) (broker.Producer, broker.Consumer, func()) {
	if brokers := cfg.KafkaBrokerList(); len(brokers) > 0 {
		kb, err := kafkabroker.New(kafkabroker.Config{
			Brokers:       brokers,
			ConsumerGroup: cfg.KafkaConsumerGroup,
			DefaultTopic:  cfg.Destination,
			ConsumeTopics: []string{cfg.Destination},
			Logger:        logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize kafka delegate")
		}
		return kb, kb, func() { _ = kb.Close() }
	}

	if cfg.NatsURL != "" {
		nb, err := natsbroker.New(natsbroker.Config{
			URL:            cfg.NatsURL,
			DefaultSubject: cfg.Destination,
			MaxReconnects:  10,
			ReconnectWait:  2 * time.Second,
			Logger:         logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize nats delegate")
		}
		return nb, nb, func() { _ = nb.Close() }
	}

	logger.Warn().Msg("no PROXY_KAFKA_BROKERS or PROXY_NATS_URL configured, using in-process memory delegate")
	link := memorybroker.New(cfg.Destination, cfg.ConsumerQueueCapacity)
	return link, link, func() { _ = link.Close() }
}
