package fakeserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/croquet-sync/croquet-go/pkg/transport"
	"github.com/croquet-sync/croquet-go/pkg/wire"
)

// DefaultHoldTimeout is how long a poll waits for messages before returning
// an empty batch.
const DefaultHoldTimeout = 200 * time.Millisecond

// HandlerFunc handles one request. The returned value becomes the response
// value; a non-nil error becomes the response error.
type HandlerFunc func(s *Server, session string, req wire.Request) (any, error)

// session is one client session.
type session struct {
	id     string
	user   string
	outbox []wire.Message
	notify chan struct{}
}

// Server is an in-memory long-poll server. Use it with httptest.NewServer.
type Server struct {
	// HoldTimeout bounds how long a poll is held open (default: 200ms).
	HoldTimeout time.Duration

	logger *slog.Logger

	mu         sync.Mutex
	sessions   map[string]*session
	handlers   map[string]HandlerFunc
	received   []wire.Request
	failSends  int
	failStatus int

	// data store
	models      map[string]map[string]any
	order       []string
	nextID      map[string]int
	types       map[string]bool
	subs        map[string]map[string]bool
	presence    map[string]int
	presenceSub map[string]map[string]bool
	clientErrs  []any
	accounts    map[string]*account
	resets      []string

	mux *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithTypes restricts create to the given model types.
func WithTypes(types ...string) Option {
	return func(s *Server) {
		s.types = make(map[string]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
}

// New creates a server with the reference handlers installed.
func New(opts ...Option) *Server {
	s := &Server{
		HoldTimeout: DefaultHoldTimeout,
		logger:      slog.New(slog.DiscardHandler),
		sessions:    make(map[string]*session),
		handlers:    make(map[string]HandlerFunc),
		models:      make(map[string]map[string]any),
		nextID:      make(map[string]int),
		subs:        make(map[string]map[string]bool),
		presence:    make(map[string]int),
		presenceSub: make(map[string]map[string]bool),
		accounts:    make(map[string]*account),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.installHandlers()

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("GET "+transport.PathConnect, s.handleConnect)
	s.mux.HandleFunc("POST "+transport.PathSend, s.handleSend)
	s.mux.HandleFunc("GET "+transport.PathPoll, s.handlePoll)
	s.mux.HandleFunc("POST "+transport.PathDisconnect, s.handleDisconnect)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Handle installs or replaces the handler for a message type.
func (s *Server) Handle(typ string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[typ] = fn
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()

	s.mu.Lock()
	s.sessions[id] = &session{id: id, notify: make(chan struct{}, 1)}
	s.mu.Unlock()

	s.logger.Debug("session opened", "session", id)
	w.WriteHeader(http.StatusCreated)
	_, _ = io.WriteString(w, id)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	if s.failSends > 0 {
		s.failSends--
		status := s.failStatus
		s.mu.Unlock()
		w.WriteHeader(status)
		return
	}
	s.mu.Unlock()

	reqs, err := wire.DecodeRequestBatch(body)
	if err != nil {
		s.logger.Warn("malformed send batch", "error", err)
	}

	for _, req := range reqs {
		s.mu.Lock()
		_, known := s.sessions[req.Session]
		s.mu.Unlock()
		if !known {
			w.WriteHeader(http.StatusGone)
			return
		}
	}

	for _, req := range reqs {
		s.dispatch(req)
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) dispatch(req wire.Request) {
	s.mu.Lock()
	s.received = append(s.received, req)
	h, ok := s.handlers[req.Type]
	s.mu.Unlock()

	resp := wire.Response{ID: req.ID}
	if !ok {
		resp.Error = "Not Yet Implemented"
	} else if value, err := h(s, req.Session, req); err != nil {
		resp.Error = err.Error()
	} else {
		resp.Value = value
	}

	s.Push(req.Session, wire.Message{Type: wire.TypeResponse, Payload: resp.Payload()})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("cid")

	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusGone)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.HoldTimeout)
	defer cancel()

	for {
		s.mu.Lock()
		if _, still := s.sessions[id]; !still {
			s.mu.Unlock()
			w.WriteHeader(http.StatusGone)
			return
		}
		msgs := sess.outbox
		sess.outbox = nil
		s.mu.Unlock()

		if len(msgs) > 0 {
			data, err := wire.EncodeMessageBatch(msgs)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(data)
			return
		}

		select {
		case <-sess.notify:
		case <-ctx.Done():
			w.WriteHeader(http.StatusOK)
			return
		}
	}
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.dropSession(string(body))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) dropSession(id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	for _, subs := range s.subs {
		delete(subs, id)
	}
	for _, subs := range s.presenceSub {
		delete(subs, id)
	}
	s.mu.Unlock()

	if ok {
		s.logger.Debug("session closed", "session", id)
		select {
		case sess.notify <- struct{}{}:
		default:
		}
	}
}

// Push queues a message for a session. Unknown sessions are ignored.
func (s *Server) Push(sessionID string, m wire.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushLocked(sessionID, m)
}

func (s *Server) pushLocked(sessionID string, m wire.Message) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	sess.outbox = append(sess.outbox, m)
	select {
	case sess.notify <- struct{}{}:
	default:
	}
}

// Broadcast queues a message for every session.
func (s *Server) Broadcast(m wire.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.sessions {
		s.pushLocked(id, m)
	}
}

// Notify broadcasts a "not" notification.
func (s *Server) Notify(message, key string, other any) {
	s.Broadcast(wire.Message{Type: wire.TypeNotify, Payload: wire.Payload{
		"message": message,
		"key":     key,
		"other":   other,
	}})
}

// ExpireSession forgets a session; its next poll or send gets 410 Gone.
func (s *Server) ExpireSession(id string) {
	s.dropSession(id)
}

// FailSends makes the next n send exchanges answer with status.
func (s *Server) FailSends(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSends = n
	s.failStatus = status
}

// Sessions returns the ids of live sessions.
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Received returns every request of the given type, or all requests when
// typ is empty.
func (s *Server) Received(typ string) []wire.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wire.Request
	for _, r := range s.received {
		if typ == "" || r.Type == typ {
			out = append(out, r)
		}
	}
	return out
}
