package main

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-hub/internal/api"
	"github.com/nerrad567/gray-logic-hub/internal/bridges/homie"
	"github.com/nerrad567/gray-logic-hub/internal/cascade"
	"github.com/nerrad567/gray-logic-hub/internal/connector"
	"github.com/nerrad567/gray-logic-hub/internal/consumer"
	"github.com/nerrad567/gray-logic-hub/internal/exchange"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-hub/internal/mapping"
	"github.com/nerrad567/gray-logic-hub/internal/state"
	"github.com/nerrad567/gray-logic-hub/internal/topology"
	"github.com/nerrad567/gray-logic-hub/internal/writer"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, connectors and ops API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

// runServe is the hub's main loop, separated from the command for testability.
// It returns nil on clean shutdown.
func runServe(ctx context.Context, configPath string) error {
	logging.Default().Info("starting Gray Logic Hub",
		"version", version,
		"commit", commit,
		"build_date", date,
		"config", configPath,
	)

	c, err := openCore(ctx, configPath)
	if err != nil {
		return err
	}
	defer c.Close()
	cfg, log := c.cfg, c.log

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	resolver := mapping.NewResolver(c.registry, c.managers)
	resolver.SetLogger(log.Component("mapping"))
	resolver.Install()

	casc := cascade.New(c.registry, c.managers)
	casc.SetLogger(log.Component("cascade"))
	casc.SetMetrics(cascade.NewMetrics(promReg))

	pipeline := consumer.NewPipeline(c.registry, c.managers, resolver, casc)
	pipeline.SetLogger(log.Component("consumer"))
	handlers := consumer.NewRegistry()
	pipeline.Register(handlers)

	queue := consumer.NewQueue(handlers, cfg.Engine.QueueSize)
	queue.SetLogger(log.Component("queue"))
	queue.SetMetrics(consumer.NewMetrics(promReg))

	// Connect to MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.OnConnect(func() { log.Info("MQTT reconnected") })
	mqttClient.OnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	if err := consumer.SubscribeInbound(mqttClient, mqttClient.QoS(), queue); err != nil {
		return fmt.Errorf("subscribing inbound envelopes: %w", err)
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	checks := map[string]api.HealthChecker{
		"database": c.db,
		"mqtt":     mqttClient,
	}
	if c.redis != nil {
		checks["redis"] = c.redis
	}
	if influxClient != nil {
		checks["influxdb"] = influxClient
	}

	srv, err := api.New(api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Logger:     log,
		Topology:   c.registry,
		Managers:   c.managers,
		Resolver:   resolver,
		Queue:      queue,
		Gatherer:   promReg,
		Registerer: promReg,
		Checks:     checks,
		DB:         c.db.DB,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	// Every engine event fans out to MQTT subscribers, WebSocket clients
	// and, when enabled, the state history.
	publishers := []exchange.Publisher{
		exchange.NewMQTT(mqttClient),
		exchange.NewWebSocket(srv.Hub()),
	}
	if influxClient != nil {
		publishers = append(publishers, exchange.NewHistory(influxClient))
	}
	events := exchange.NewMulti(publishers...)
	c.registry.SetPublisher(events)
	c.managers.SetPublisher(events)
	pipeline.SetPublisher(events)

	supervisor := connector.NewSupervisor()
	writerMetrics := writer.NewMetrics(promReg)
	for _, cc := range cfg.Connectors {
		if !cc.Enabled {
			log.Info("connector disabled", "connector", cc.Identifier)
			continue
		}
		exec, buildErr := buildExecutor(ctx, executorDeps{
			cfg:      cfg.Engine,
			log:      log,
			registry: c.registry,
			managers: c.managers,
			resolver: resolver,
			cascade:  casc,
			broker:   mqttClient,
			queue:    queue,
			metrics:  writerMetrics,
		}, cc)
		if buildErr != nil {
			return buildErr
		}
		supervisor.Add(exec)
		log.Info("connector configured", "connector", cc.Identifier, "type", cc.Type)
	}

	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal",
		"connectors", supervisor.Len(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return queue.Run(gctx) })
	g.Go(func() error { return supervisor.Run(gctx) })
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("shutdown signal received, cleaning up")
	log.Info("Gray Logic Hub stopped")
	return nil
}

// executorDeps carries the shared engine parts every connector executor uses.
type executorDeps struct {
	cfg      config.EngineConfig
	log      *logging.Logger
	registry *topology.Registry
	managers *state.Managers
	resolver *mapping.Resolver
	cascade  *cascade.Cascade
	broker   homie.Broker
	queue    *consumer.Queue
	metrics  *writer.Metrics
}

// buildExecutor makes sure the configured connector exists in the topology
// and wires its protocol client, write scheduler and executor.
func buildExecutor(ctx context.Context, d executorDeps, cc config.ConnectorConfig) (*connector.Executor, error) {
	conn, err := ensureConnector(ctx, d.registry, cc)
	if err != nil {
		return nil, fmt.Errorf("connector %s: %w", cc.Identifier, err)
	}

	var client connector.Client
	switch cc.Type {
	case homie.Type:
		hc := homie.New(*conn, cc.BaseTopic, d.broker, d.registry, d.queue)
		hc.SetLogger(d.log.With("connector", conn.Identifier))
		client = hc
	default:
		return nil, fmt.Errorf("connector %s: %w %q", cc.Identifier, connector.ErrUnknownType, cc.Type)
	}

	sched := writer.New(writer.Config{
		ConnectorID:       conn.ID,
		Connector:         conn.Identifier,
		WritePendingDelay: d.cfg.WritePendingDuration(),
		RepollDelay:       d.cfg.RepollDuration(),
		TrackerTTL:        d.cfg.TrackerDuration(),
	}, d.registry, d.managers, d.resolver, d.cascade, client)
	sched.SetLogger(d.log.With("connector", conn.Identifier))
	sched.SetMetrics(d.metrics)
	sched.SetClassifier(connector.Classify)

	exec := connector.NewExecutor(*conn, client, sched, d.cascade, d.cfg.TickDuration())
	exec.SetLogger(d.log.With("connector", conn.Identifier))
	return exec, nil
}

// ensureConnector returns the stored connector for cc, creating it on first
// start and updating its name and type when the configuration changed.
func ensureConnector(ctx context.Context, reg *topology.Registry, cc config.ConnectorConfig) (*topology.Connector, error) {
	name := cc.Name
	if name == "" {
		name = cc.Identifier
	}

	conn, err := reg.FindConnector(ctx, topology.Ref{Identifier: cc.Identifier})
	switch {
	case errors.Is(err, topology.ErrConnectorNotFound):
		conn = &topology.Connector{
			Identifier: cc.Identifier,
			Name:       name,
			Type:       cc.Type,
			Enabled:    true,
		}
	case err != nil:
		return nil, err
	case conn.Name == name && conn.Type == cc.Type && conn.Enabled:
		return conn, nil
	default:
		conn.Name = name
		conn.Type = cc.Type
		conn.Enabled = true
	}

	if err := reg.SaveConnector(ctx, conn); err != nil {
		return nil, fmt.Errorf("saving connector: %w", err)
	}
	return conn, nil
}

// healthCheck verifies every infrastructure connection, in name order.
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := checks[name].HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
