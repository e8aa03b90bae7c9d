// Package server serves the build output with live reload
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/poltergeist/sitegeist/internal/state"
	"github.com/poltergeist/sitegeist/pkg/logger"
	"github.com/poltergeist/sitegeist/pkg/metrics"
	"github.com/poltergeist/sitegeist/pkg/types"
)

// StatusSource provides the stage statuses for the status endpoint
type StatusSource interface {
	Snapshot() []state.StageState
}

// EventSource is subscribed to for reload events
type EventSource interface {
	Subscribe(buffer int) (<-chan types.ReloadEvent, func())
}

// Options configures a Server
type Options struct {
	// Root is the directory served, the build destination
	Root string
	// Addr is the listen address
	Addr string
	// LiveReload injects the reload client into pages
	LiveReload bool
	// AllowedOrigins are extra origin patterns accepted by the socket
	AllowedOrigins []string
}

// Server is the development server
type Server struct {
	opts    Options
	logger  logger.Logger
	hub     *Hub
	events  EventSource
	status  StatusSource
	metrics *metrics.Recorder
	handler http.Handler

	mu       sync.Mutex
	listener net.Listener
	http     *http.Server
	done     chan struct{}
}

// New creates a server. events, status and rec may be nil.
func New(opts Options, events EventSource, status StatusSource, rec *metrics.Recorder, log logger.Logger) *Server {
	s := &Server{
		opts:    opts,
		logger:  log,
		hub:     NewHub(log, opts.AllowedOrigins),
		events:  events,
		status:  status,
		metrics: rec,
	}
	s.hub.OnClientsChanged(rec.SetReloadClients)
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	var site http.Handler = http.FileServer(http.Dir(s.opts.Root))
	if s.opts.LiveReload {
		site = injectReload(site, ClientSnippet)
		mux.Handle(PathSocket, s.hub)
		mux.HandleFunc(PathClient, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
			w.Header().Set("Cache-Control", "no-cache")
			w.Write([]byte(clientScript))
		})
	}
	mux.HandleFunc(PathStatus, s.handleStatus)
	if s.metrics != nil {
		mux.Handle(PathMetrics, s.metrics.Handler())
	}
	mux.Handle("/", noCache(site))
	return mux
}

func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	stages := []state.StageState{}
	if s.status != nil {
		stages = s.status.Snapshot()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"stages":  stages,
		"clients": s.hub.Clients(),
	})
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the reload hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Listen binds the listen address. A bound port is reported here.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or the configured one before Listen
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.Addr
}

// Serve serves on the bound listener and forwards reload events until
// Shutdown. Listen must have succeeded.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	if ln == nil {
		s.mu.Unlock()
		return errors.New("server is not listening")
	}
	s.http = &http.Server{Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
	s.done = make(chan struct{})
	srv, done := s.http, s.done
	s.mu.Unlock()

	if s.events != nil {
		events, cancel := s.events.Subscribe(0)
		go func() {
			defer cancel()
			s.forward(ctx, events, done)
		}()
	}

	s.logger.Success(fmt.Sprintf("Serving %s at http://%s", s.opts.Root, s.Addr()))
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server and disconnects reload clients
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.http, s.done
	s.http, s.done = nil, nil
	ln := s.listener
	s.mu.Unlock()

	s.hub.Close()
	if done != nil {
		close(done)
	}
	if srv == nil {
		if ln != nil {
			return ln.Close()
		}
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) forward(ctx context.Context, events <-chan types.ReloadEvent, done <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.Notify(ev)
		}
	}
}

// Notify turns a reload event into a browser message and broadcasts it
func (s *Server) Notify(ev types.ReloadEvent) {
	msg, ok := MessageFor(ev, s.opts.Root)
	if !ok {
		return
	}
	if err := s.hub.Broadcast(msg); err != nil {
		s.logger.Warn("Failed to broadcast reload message", logger.WithError(err))
		return
	}
	s.metrics.IncReloadMessage(msg.Type)
	s.logger.Debug(fmt.Sprintf("Sent %s to %d client(s)", msg.Type, s.hub.Clients()),
		logger.WithField("stage", ev.Stage))
}

// MessageFor maps a reload event to the message browsers get. A styles
// build becomes a css_update carrying the new stylesheet read from root;
// any other build reloads the page and a failure is reported as build_error.
func MessageFor(ev types.ReloadEvent, root string) (Message, bool) {
	msg := Message{Timestamp: ev.Timestamp}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	switch ev.Kind {
	case types.EventFailed:
		msg.Type = MessageBuildError
		msg.Target = string(ev.Stage)
		msg.Content = ev.Error
		return msg, true

	case types.EventBuilt:
		if ev.Stage == types.StageStyles {
			if target, content, ok := stylesheet(ev.Outputs, root); ok {
				msg.Type = MessageCSSUpdate
				msg.Target = target
				msg.Content = content
				return msg, true
			}
		}
		msg.Type = MessageFullReload
		return msg, true
	}
	return Message{}, false
}

func stylesheet(outputs []string, root string) (string, string, bool) {
	for _, out := range outputs {
		if !strings.HasSuffix(out, ".css") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(out)))
		if err != nil {
			return "", "", false
		}
		return path.Join("/", out), string(data), true
	}
	return "", "", false
}
