// @title        MQTT to i3X Bridge
// @version      1.0
// @description  Read-only protocol bridge: MQTT payloads decoded and mapped
// @description  into an i3X object graph, exposed over REST and SSE.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/samels-litmus/mqtt-to-i3x/internal/config"
	"github.com/samels-litmus/mqtt-to-i3x/internal/handler"
	"github.com/samels-litmus/mqtt-to-i3x/internal/mqttclient"
	"github.com/samels-litmus/mqtt-to-i3x/internal/pipeline"
	"github.com/samels-litmus/mqtt-to-i3x/internal/store"
	"github.com/samels-litmus/mqtt-to-i3x/internal/subscription"
	"github.com/samels-litmus/mqtt-to-i3x/internal/telemetry"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	configPath := os.Getenv("BRIDGE_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	// ── OpenTelemetry ──────────────────────────────────────────────────────
	var metrics *telemetry.PipelineMetrics
	if otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); otelEndpoint != "" {
		mp, err := telemetry.InitMeterProvider(context.Background(), "mqtt-to-i3x", otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel meter provider", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
			metrics, err = telemetry.NewPipelineMetrics()
			if err != nil {
				logger.Error("failed to create pipeline metrics", zap.Error(err))
			}
			logger.Info("OTel meter provider initialized", zap.String("endpoint", otelEndpoint))
		}
	}

	// ── Object store & catalogue seeding ───────────────────────────────────
	st := store.New(logger)
	for _, ns := range cfg.Namespaces {
		st.RegisterNamespace(store.Namespace{URI: ns.URI, DisplayName: ns.DisplayName})
	}
	for _, t := range cfg.Types {
		var schema []byte
		if t.Schema != nil {
			schema, _ = json.Marshal(t.Schema)
		}
		st.RegisterObjectType(store.ObjectType{
			ElementID:    t.ElementID,
			DisplayName:  t.DisplayName,
			NamespaceURI: t.NamespaceURI,
			Schema:       schema,
		})
	}

	// ── Ingest pipeline ────────────────────────────────────────────────────
	engine := pipeline.NewEngine()
	for _, rule := range cfg.Mappings {
		if _, err := engine.Add(rule); err != nil {
			logger.Fatal("invalid mapping rule in configuration",
				zap.String("rule", rule.ID), zap.Error(err))
		}
	}
	codecs := pipeline.NewCodecRegistry()
	pl := pipeline.New(engine, codecs, st, logger, metrics)

	// ── Subscription manager ───────────────────────────────────────────────
	mgr := subscription.NewManager(logger, metrics)
	st.AddChangeListener(mgr.Listener())

	// ── MQTT ───────────────────────────────────────────────────────────────
	mqttCfg := mqttclient.Config{
		BrokerURL:          cfg.MQTT.BrokerURL,
		ClientID:           cfg.MQTT.ClientID,
		Username:           cfg.MQTT.Username,
		Password:           cfg.MQTT.Password,
		KeepAlive:          cfg.MQTT.KeepaliveDuration(),
		ReconnectPeriod:    cfg.MQTT.ReconnectDuration(),
		ProtocolVersion:    cfg.MQTT.ProtocolVersion,
		TLS:                cfg.MQTT.TLS.Enabled,
		InsecureSkipVerify: cfg.MQTT.TLS.InsecureSkipVerify,
	}
	broker := mqttclient.NewClient(mqttCfg, pl.HandleMessage, logger)

	// Track the derived topic of every configured rule before connecting so
	// the OnConnect resubscribe covers the full set.
	for _, cr := range engine.List() {
		if err := broker.Subscribe(cr.Pattern.SubscribeTopic()); err != nil {
			logger.Error("broker subscribe failed",
				zap.String("topic", cr.Pattern.SubscribeTopic()), zap.Error(err))
		}
	}
	if err := broker.Connect(); err != nil {
		// Paho keeps retrying in the background; the bridge still serves reads.
		logger.Error("initial mqtt connect failed, retrying in background", zap.Error(err))
	}

	// ── HTTP server ────────────────────────────────────────────────────────
	e := echo.New()
	e.HideBanner = true
	e.Use(otelecho.Middleware("mqtt-to-i3x"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	corsConfig := middleware.DefaultCORSConfig
	if len(cfg.Server.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.Server.AllowOrigins
	}
	e.Use(middleware.CORSWithConfig(corsConfig))

	if cfg.Auth.Enabled {
		keys := make(map[string]struct{}, len(cfg.Auth.APIKeys))
		for _, k := range cfg.Auth.APIKeys {
			keys[k] = struct{}{}
		}
		e.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			Skipper: func(c echo.Context) bool {
				return c.Path() == "/healthz"
			},
			Validator: func(key string, _ echo.Context) (bool, error) {
				_, ok := keys[key]
				return ok, nil
			},
		}))
	}

	handler.RegisterRoutes(e, st, mgr, pl, broker, func() string {
		return string(broker.State())
	}, logger)

	go func() {
		logger.Info("bridge HTTP server listening", zap.String("addr", cfg.Server.Addr))
		if err := e.Start(cfg.Server.Addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	broker.Disconnect()
	mgr.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}
	logger.Info("bridge shut down cleanly")
}
