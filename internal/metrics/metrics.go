// Package metrics exports queue, chat and control-plane counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/heroes/internal/bus"
	"github.com/matheus3301/heroes/internal/chat"
	"github.com/matheus3301/heroes/internal/connectivity"
	"github.com/matheus3301/heroes/internal/queue"
	"github.com/matheus3301/heroes/internal/status"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpcstatus "google.golang.org/grpc/status"
)

// Metrics holds the collectors registered on its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	QueueDepth       prometheus.Gauge
	QueueActions     *prometheus.CounterVec
	QueueDrains      prometheus.Counter
	Online           prometheus.Gauge
	RoomStates       *prometheus.GaugeVec
	ChatMessages     *prometheus.CounterVec
	GRPCHandledTotal *prometheus.CounterVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "heroes_queue_depth",
			Help: "Number of actions waiting in the offline queue.",
		}),
		QueueActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heroes_queue_actions_total",
			Help: "Queued actions by type and outcome.",
		}, []string{"type", "outcome", "category"}),
		QueueDrains: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "heroes_queue_drains_total",
			Help: "Completed drain passes.",
		}),
		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "heroes_online",
			Help: "1 while the client considers itself online.",
		}),
		RoomStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "heroes_chat_rooms",
			Help: "Chat rooms per connection state.",
		}, []string{"state"}),
		ChatMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heroes_chat_messages_total",
			Help: "Chat message events by kind and state.",
		}, []string{"event", "state"}),
		GRPCHandledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "heroes_grpc_server_handled_total",
			Help: "Control API calls by method and code.",
		}, []string{"grpc_method", "grpc_code"}),
	}
	m.Registry.MustRegister(
		m.QueueDepth,
		m.QueueActions,
		m.QueueDrains,
		m.Online,
		m.RoomStates,
		m.ChatMessages,
		m.GRPCHandledTotal,
	)
	return m
}

// Observe applies one bus event to the collectors.
func (m *Metrics) Observe(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case queue.ActionEvent:
		m.QueueDepth.Set(float64(p.Depth))
		switch evt.Kind {
		case bus.KindQueueActionProcessed:
			m.QueueActions.WithLabelValues(p.Action.Type, "processed", "").Inc()
		case bus.KindQueueActionFailed:
			m.QueueActions.WithLabelValues(p.Action.Type, "failed", string(p.Category)).Inc()
		case bus.KindQueueActionRetained:
			m.QueueActions.WithLabelValues(p.Action.Type, "retained", string(p.Category)).Inc()
		case bus.KindQueueEnqueued:
			m.QueueActions.WithLabelValues(p.Action.Type, "enqueued", "").Inc()
		}
	case queue.DrainEvent:
		m.QueueDepth.Set(float64(p.Depth))
		if evt.Kind == bus.KindQueueDrained {
			m.QueueDrains.Inc()
		}
	case connectivity.Change:
		if p.Connected {
			m.Online.Set(1)
		} else {
			m.Online.Set(0)
		}
	case status.StatusChange:
		// New rooms start in DISCONNECTED without an event.
		if p.From != status.Disconnected {
			m.RoomStates.WithLabelValues(string(p.From)).Dec()
		}
		if p.To != status.Disconnected {
			m.RoomStates.WithLabelValues(string(p.To)).Inc()
		}
	case chat.MessageEvent:
		event := "added"
		if evt.Kind == bus.KindChatMessageUpdated {
			event = "updated"
		}
		m.ChatMessages.WithLabelValues(event, string(p.Message.State)).Inc()
	}
}

// Collector feeds bus events into Metrics until stopped.
type Collector struct {
	metrics *Metrics
	bus     *bus.Bus
	logger  *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCollector creates a collector. Call Start to begin consuming events.
func NewCollector(m *Metrics, b *bus.Bus, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{metrics: m, bus: b, logger: logger}
}

// Start subscribes to every event on the bus.
func (c *Collector) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	events, unsub := c.bus.Subscribe("", 512)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case evt := <-events:
				c.metrics.Observe(evt)
			}
		}
	}()
}

// Stop ends the collection loop.
func (c *Collector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// UnaryInterceptor counts control API calls by method and status code.
func (m *Metrics) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		method := info.FullMethod
		if i := strings.LastIndex(method, "/"); i >= 0 {
			method = method[i+1:]
		}
		m.GRPCHandledTotal.WithLabelValues(method, grpcstatus.Code(err).String()).Inc()
		return resp, err
	}
}

// Server serves /metrics and /health.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer builds the HTTP listener for addr.
func NewServer(addr string, m *Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("metrics listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
