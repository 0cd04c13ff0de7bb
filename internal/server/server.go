package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"skysolve/internal/storage"
	"skysolve/internal/tools"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Server exposes solve run history and live run events over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	tools    *tools.ToolManager
	log      *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
	hub      *eventHub
}

// RunEvent is the payload broadcast to websocket clients when a run
// changes state.
type RunEvent struct {
	RunID     string    `json:"runId"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type eventHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
}

// NewServer creates a server backed by the given store and tool manager.
func NewServer(addr string, store *storage.Store, tm *tools.ToolManager, log *slog.Logger) *Server {
	return &Server{
		addr:  addr,
		store: store,
		tools: tm,
		log:   log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		hub: &eventHub{
			clients:    make(map[*websocket.Conn]bool),
			broadcast:  make(chan []byte, 16),
			register:   make(chan *websocket.Conn),
			unregister: make(chan *websocket.Conn),
		},
	}
}

// Broadcast sends a run event to all connected websocket clients.
func (s *Server) Broadcast(ev RunEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case s.hub.broadcast <- payload:
	default:
		// No listeners draining; drop rather than block a solve.
	}
}

// Start begins serving until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx)
	go s.watchRuns(ctx)

	r := mux.NewRouter()
	s.setupRoutes(r)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: r,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// watchRuns polls the store and broadcasts state transitions to
// websocket clients. Solves happen in separate processes, so the
// database is the only channel between them and the server.
func (s *Server) watchRuns(ctx context.Context) {
	seen := make(map[string]string)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		recs, err := s.store.ListRuns(50)
		if err != nil {
			continue
		}
		for _, rec := range recs {
			if seen[rec.ID] == rec.State {
				continue
			}
			first := seen[rec.ID] == ""
			seen[rec.ID] = rec.State
			if first && rec.CompletedAt != nil && time.Since(*rec.CompletedAt) > time.Minute {
				// Old history, not a live transition.
				continue
			}
			s.Broadcast(RunEvent{
				RunID: rec.ID,
				State: rec.State,
				Error: rec.Error,
			})
		}
	}
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/api/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/tools", s.handleTools).Methods("GET")
	r.HandleFunc("/api/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/api/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/api/runs/{id}/events", s.handleRunEvents).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	status := s.tools.GetToolStatus()
	out := make(map[string]map[string]any, len(status))
	for name, st := range status {
		entry := map[string]any{
			"available": st.Available,
			"version":   st.Version,
			"path":      st.Path,
		}
		if st.Error != nil {
			entry["error"] = st.Error.Error()
		}
		out[name] = entry
	}
	writeJSON(w, out)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	recs, err := s.store.ListRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.GetRun(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, rec)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	events, err := s.store.RunEvents(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, events)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	s.hub.register <- conn

	go func() {
		defer func() {
			s.hub.unregister <- conn
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (h *eventHub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
		}
	}
}
