// swarm-node hosts a set of swarm agents in one process, registers them
// with the topology manager and serves the local HTTP API and Prometheus
// metrics.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mxhn/swarmnet/swarm/agent"
	"github.com/mxhn/swarmnet/swarm/common"
	"github.com/mxhn/swarmnet/swarm/config"
	"github.com/mxhn/swarmnet/swarm/topology"
	"github.com/mxhn/swarmnet/swarm/transport"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	agentCount := flag.Int("agents", 3, "number of local agents to host")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := run(cfg, *agentCount, logger); err != nil {
		logger.Error("node failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, agentCount int, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := topology.NewManager(topology.Config{
		MetricsInterval:     cfg.Topology.MetricsInterval,
		HealthCheckInterval: cfg.Topology.HealthCheckInterval,
		SeedFanout:          cfg.Topology.SeedFanout,
	}, logEvents{logger}, logger)
	manager.Start(ctx)
	defer manager.Stop()

	hub := transport.NewNetwork()
	agents, err := spawnAgents(ctx, cfg, agentCount, hub, manager, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, a := range agents {
			if err := manager.UnregisterAgent(a.ID()); err != nil {
				logger.Warn("unregister on shutdown", "agent", common.ShortID(a.ID()), "error", err)
			}
		}
	}()

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port),
		Handler: newRouter(manager, logger),
	}
	go func() {
		logger.Info("http api listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// spawnAgents builds agentCount agents on the configured transport kind and
// registers each with the manager. Registration handles seed connections.
func spawnAgents(ctx context.Context, cfg config.Config, agentCount int, hub *transport.Network, manager *topology.Manager, logger *slog.Logger) ([]*agent.Agent, error) {
	trCfg := transport.Config{
		HeartbeatInterval: cfg.Transport.HeartbeatInterval,
		DiscoveryInterval: cfg.Transport.DiscoveryInterval,
		PingInterval:      cfg.Transport.PingInterval,
		ConnectTimeout:    cfg.Transport.ConnectTimeout,
		MessageTTL:        cfg.Transport.MessageTTL,
		SeenTTL:           10 * time.Minute,
		MaxMessageSize:    1024 * 1024,
	}

	agents := make([]*agent.Agent, 0, agentCount)
	for i := 0; i < agentCount; i++ {
		id := cfg.Node.ID
		if id == "" || i > 0 {
			id = uuid.NewString()
		}
		node := common.Node{
			ID:           id,
			Address:      cfg.Node.Address,
			Port:         nodePort(cfg, i),
			Capabilities: cfg.Node.Capabilities,
			Status:       common.NodeOnline,
		}
		tr, err := newTransport(cfg.Transport.Kind, hub, node, trCfg, logger)
		if err != nil {
			return agents, err
		}
		profile := common.AgentProfile{
			ID:            id,
			Role:          cfg.Node.Role,
			Capabilities:  cfg.Node.Capabilities,
			MaxComplexity: 5 + i,
			Skills:        cfg.Node.Skills,
		}
		a := agent.New(profile, tr, logger)
		if err := manager.RegisterAgent(ctx, a); err != nil {
			return agents, fmt.Errorf("register agent %s: %w", common.ShortID(id), err)
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// nodePort gives the configured port to the first agent only; the rest bind
// ephemeral ports so several listeners can share one host.
func nodePort(cfg config.Config, i int) int {
	if i == 0 {
		return cfg.Node.Port
	}
	return 0
}

func newTransport(kind string, hub *transport.Network, node common.Node, cfg transport.Config, logger *slog.Logger) (common.Transport, error) {
	switch kind {
	case "memory":
		return transport.NewMemory(hub, node, cfg, logger), nil
	case "websocket":
		return transport.NewWebSocket(node, cfg, logger), nil
	case "libp2p":
		return transport.NewLibp2p(node, cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", kind)
	}
}

func newRouter(manager *topology.Manager, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/topology", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, manager.GetTopology())
	})

	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, manager.GetMetrics())
	})

	r.Get("/nodes/{id}", func(w http.ResponseWriter, req *http.Request) {
		info := manager.GetNodeInfo(chi.URLParam(req, "id"))
		if info == nil {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown node"})
			return
		}
		writeJSON(w, http.StatusOK, info)
	})

	r.Get("/path", func(w http.ResponseWriter, req *http.Request) {
		from := req.URL.Query().Get("from")
		to := req.URL.Query().Get("to")
		if from == "" || to == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "from and to required"})
			return
		}
		path := manager.FindPath(from, to)
		if path == nil {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "no path"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"path": path})
	})

	r.Post("/broadcast", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Type    string         `json:"type"`
			Payload map[string]any `json:"payload"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Type == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "type required"})
			return
		}
		delivered := manager.BroadcastMessage(body.Type, body.Payload)
		writeJSON(w, http.StatusOK, map[string]any{"delivered": delivered})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// logEvents forwards lifecycle events to the structured log. A process
// embedding the swarm supplies its own publisher instead.
type logEvents struct {
	logger *slog.Logger
}

func (l logEvents) Publish(eventType string, payload map[string]any) {
	l.logger.Info("event", "type", eventType, "payload", payload)
}
