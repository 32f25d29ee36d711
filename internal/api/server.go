package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"dispatchcore/internal/config"
	"dispatchcore/internal/metrics"
	"dispatchcore/internal/monitor"
	"dispatchcore/internal/notify"
	"dispatchcore/internal/planner"
	"dispatchcore/internal/store"
	"dispatchcore/internal/track"
)

type Server struct {
	Store     store.Store
	Cfg       *config.Config
	Log       *logrus.Logger
	Met       *metrics.Metrics
	Pub       *notify.Publisher
	Broker    EventBroker
	Planner   *planner.Planner
	Tracker   *track.Tracker
	Monitor   *monitor.Monitor
	Locations *LocationCache
}

// brokerBroadcaster adapts the event broker to the publisher's fan-out hook:
// every emitted event also reaches live SSE/websocket subscribers.
type brokerBroadcaster struct{ b EventBroker }

func (a brokerBroadcaster) Broadcast(event string, payload []byte) {
	var data map[string]any
	_ = json.Unmarshal(payload, &data)
	topic := "*"
	if rid, ok := data["routeId"].(string); ok && rid != "" {
		topic = rid
	}
	a.b.Publish(topic, SSEEvent{Type: event, Data: data})
}

// NewServer wires the whole core. If DATABASE_URL is unset, uses the
// in-memory store; if REDIS_URL is set, live events go through Redis.
func NewServer(cfg *config.Config, log *logrus.Logger) (*Server, error) {
	if log == nil {
		log = logrus.New()
	}
	var st store.Store
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn == "" {
		st = store.NewMemory()
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		sp, err := store.NewPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		st = sp
	}

	var broker EventBroker
	if os.Getenv("REDIS_URL") != "" {
		if rb, err := NewRedisBroker(); err == nil {
			broker = rb
		} else {
			log.WithError(err).Warn("redis broker unavailable, using in-memory")
			broker = NewBroker()
		}
	} else {
		broker = NewBroker()
	}

	met := metrics.New()
	pub := notify.NewPublisher(st, log, met, brokerBroadcaster{b: broker})
	mon := monitor.New(cfg.Monitor, log, met, pub)
	tr := track.NewTracker(cfg.Tracking, cfg.Optimizer, cfg.Region, log, met, pub, mon)
	pl := planner.New(st, cfg, log, met, pub, tr, mon)

	return &Server{
		Store:     st,
		Cfg:       cfg,
		Log:       log,
		Met:       met,
		Pub:       pub,
		Broker:    broker,
		Planner:   pl,
		Tracker:   tr,
		Monitor:   mon,
		Locations: NewLocationCache(),
	}, nil
}

// NewNotifyWorker creates the background outbox drainer.
func (s *Server) NewNotifyWorker() *notify.Worker {
	return notify.NewWorker(s.Store, s.Log, s.Met)
}

// Routes registers every handler on a fresh mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/orders", s.OrdersHandler)
	mux.HandleFunc("/v1/orders/", s.OrderByIDHandler)
	mux.HandleFunc("/v1/plan", s.PlanHandler)
	mux.HandleFunc("/v1/plan/urgent", s.PlanUrgentHandler)
	mux.HandleFunc("/v1/plan/runs", s.PlanRunsHandler)
	mux.HandleFunc("/v1/routes", s.RoutesHandler)
	mux.HandleFunc("/v1/routes/", s.RouteByIDHandler)
	mux.HandleFunc("/v1/assignments", s.AssignmentsHandler)
	mux.HandleFunc("/v1/locations", s.LocationsHandler)
	mux.HandleFunc("/v1/stops/complete", s.StopCompleteHandler)
	mux.HandleFunc("/v1/exceptions", s.ExceptionsHandler)
	mux.HandleFunc("/v1/exceptions/", s.ExceptionResolveHandler)
	mux.HandleFunc("/v1/zones", s.ZonesHandler)
	mux.HandleFunc("/v1/vehicles", s.VehiclesHandler)
	mux.HandleFunc("/v1/drivers", s.DriversHandler)
	mux.HandleFunc("/v1/subscriptions", s.SubscriptionsHandler)
	mux.HandleFunc("/v1/subscriptions/", s.SubscriptionByIDHandler)
	mux.HandleFunc("/v1/live/ws", s.LiveWSHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/readyz", s.ReadyzHandler)
	mux.Handle("/metrics", s.Met.Handler())
	return mux
}

func (s *Server) ReadyzHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Ping(r.Context()); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Store unavailable", err.Error(), r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// LogMiddleware records request latency and outcome.
func (s *Server) LogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		dur := time.Since(start)
		if s.Met != nil {
			s.Met.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, http.StatusText(sw.status)).Inc()
			s.Met.HTTPDuration.WithLabelValues(r.Method, r.URL.Path).Observe(dur.Seconds())
		}
		s.Log.WithFields(logrus.Fields{
			"method": r.Method, "path": r.URL.Path, "status": sw.status, "dur": dur,
		}).Info("http request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
