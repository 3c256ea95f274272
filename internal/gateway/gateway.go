// Package gateway is the HTTP surface of taskpipe: the /ws WebSocket
// endpoint clients speak the task protocol over, a small REST read API,
// an SSE event stream, and the health endpoint.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/basket/taskpipe/internal/bus"
	"github.com/basket/taskpipe/internal/orchestrator"
	"github.com/basket/taskpipe/internal/otel"
	"github.com/basket/taskpipe/internal/persistence"
	"github.com/basket/taskpipe/internal/session"
)

type Config struct {
	Store        *persistence.Store
	Registry     *session.Registry
	Bus          *bus.Bus
	Orchestrator *orchestrator.Orchestrator
	Logger       *slog.Logger

	// Metrics, when set, tracks the active session gauge.
	Metrics *otel.Metrics

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed on /healthz.
	ConfigFingerprint string

	// Session defaults applied to fresh connections.
	DefaultModel        string
	DefaultResearchOnly bool
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger.With("component", "gateway")}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/stream", s.handleTaskStream)
	mux.HandleFunc("/api/threads/", s.handleThreads)
	return mux
}

// wsTransport adapts a websocket connection to session.Transport. Writes
// from the handler and pipeline goroutines serialize on mu.
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (t *wsTransport) Send(ctx context.Context, msg any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return wsjson.Write(ctx, t.conn, msg)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}

	// The client id doubles as the store's thread partition key; clients
	// that do not supply one get a generated id back in the greeting.
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	transport := &wsTransport{conn: conn}
	state := session.NewState(clientID, s.cfg.DefaultModel, s.cfg.DefaultResearchOnly)
	entry := s.cfg.Registry.Add(clientID, transport, state)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SessionOpened()
	}
	s.logger.Info("client connected", "client_id", clientID)

	defer func() {
		// Remove only our own entry: a reconnect with the same client id
		// replaces it in the registry, and this close must not evict the
		// replacement.
		s.cfg.Registry.RemoveEntry(clientID, entry)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.SessionClosed()
		}
		s.logger.Info("client disconnected", "client_id", clientID)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	if err := transport.Send(r.Context(), orchestrator.NewConnectionEstablished(clientID)); err != nil {
		s.logger.Warn("greeting failed", "client_id", clientID, "error", err)
		return
	}

	// One read loop per connection: messages are handled strictly in
	// arrival order.
	for {
		var msg orchestrator.Message
		if err := wsjson.Read(r.Context(), conn, &msg); err != nil {
			s.logger.Info("read loop ended", "client_id", clientID, "error", err)
			return
		}
		s.cfg.Orchestrator.HandleMessage(r.Context(), clientID, msg)
	}
}
