package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/framesync/internal/observe"
)

// writeTimeout bounds a single telemetry write to a client.
const writeTimeout = 5 * time.Second

// maxPacketSize is the read limit for ingest messages. Opus packets never
// exceed 1275 bytes per frame; 4 KiB leaves room for multi-frame packets.
const maxPacketSize = 4096

// Feeder accepts encoded packets for a decoder node.
type Feeder interface {
	Feed(pkt []byte) bool
}

// FeederLookup resolves a node name to its packet sink.
type FeederLookup func(node string) (Feeder, bool)

// Server serves the monitor HTTP surface:
//
//   - GET /ws/telemetry[?types=clock,level]: JSON telemetry stream.
//   - GET /ws/ingest/{node}: binary WebSocket, one Opus packet per message.
//   - GET /status: JSON snapshot from the status function.
type Server struct {
	hub     *Hub
	feeders FeederLookup
	status  func() any
	metrics *observe.Metrics
	logger  *slog.Logger

	// Hijacked connections outlive http.Server.Shutdown; Close cancels ctx.
	ctx    context.Context
	cancel context.CancelFunc

	// OriginPatterns are passed to websocket.Accept.
	OriginPatterns []string
}

// NewServer creates a server. feeders and status may be nil, which disables
// the ingest and status endpoints.
func NewServer(hub *Hub, feeders FeederLookup, status func() any, metrics *observe.Metrics) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		hub:     hub,
		feeders: feeders,
		status:  status,
		metrics: metrics,
		logger:  hub.logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Close ends every open ingest connection. Telemetry clients end when the
// hub closes.
func (s *Server) Close() { s.cancel() }

// connContext returns a context cancelled when either the request or the
// server ends.
func (s *Server) connContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Register adds the monitor routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/telemetry", s.Telemetry)
	if s.feeders != nil {
		mux.HandleFunc("GET /ws/ingest/{node}", s.Ingest)
	}
	if s.status != nil {
		mux.HandleFunc("GET /status", s.Status)
	}
}

// Telemetry upgrades the request and streams hub messages until the client
// goes away or the hub closes.
func (s *Server) Telemetry(w http.ResponseWriter, r *http.Request) {
	filter := parseTypes(r.URL.Query().Get("types"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.OriginPatterns})
	if err != nil {
		s.logger.Warn("monitor: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	sub := s.hub.Subscribe()
	defer sub.Close()
	s.clientDelta(r.Context(), 1)
	defer s.clientDelta(context.Background(), -1)

	base, cancel := s.connContext(r)
	defer cancel()
	// CloseRead discards client messages and cancels ctx when the peer closes.
	ctx := conn.CloseRead(base)
	s.logger.Debug("monitor: telemetry client connected", "remote", r.RemoteAddr, "client", sub.ID())

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if filter != nil && !filter[m.Type] {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, m)
			cancel()
			if err != nil {
				s.logger.Debug("monitor: telemetry write failed", "client", sub.ID(), "err", err)
				return
			}
		}
	}
}

// Ingest upgrades the request and feeds every binary message to the named
// decoder node.
func (s *Server) Ingest(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("node")
	feeder, ok := s.feeders(name)
	if !ok {
		http.Error(w, "unknown decoder node "+name, http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.OriginPatterns})
	if err != nil {
		s.logger.Warn("monitor: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxPacketSize)

	ctx, cancel := s.connContext(r)
	defer cancel()
	s.logger.Info("monitor: ingest connected", "node", name, "remote", r.RemoteAddr)
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				s.logger.Debug("monitor: ingest read ended", "node", name, "err", err)
			}
			return
		}
		if typ != websocket.MessageBinary {
			conn.Close(websocket.StatusUnsupportedData, "binary opus packets only")
			return
		}
		accepted := feeder.Feed(data)
		if s.metrics != nil {
			s.metrics.RecordIngest(ctx, name, accepted)
		}
	}
}

// Status writes the status snapshot as JSON.
func (s *Server) Status(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(s.status()); err != nil {
		s.logger.Warn("monitor: encode status", "err", err)
	}
}

func (s *Server) clientDelta(ctx context.Context, d int64) {
	if s.metrics != nil {
		s.metrics.MonitorClients.Add(ctx, d)
	}
}

// parseTypes returns nil (no filter) for an empty list.
func parseTypes(q string) map[string]bool {
	if q == "" {
		return nil
	}
	f := make(map[string]bool)
	for t := range strings.SplitSeq(q, ",") {
		if t = strings.TrimSpace(t); t != "" {
			f[t] = true
		}
	}
	return f
}
