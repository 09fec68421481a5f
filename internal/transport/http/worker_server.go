// Package httpserver serves the host page and relays worker messages between
// the page and one bridge session per WebSocket connection.
package httpserver

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go-worker-bridge/internal/app"
	"go-worker-bridge/internal/contracts"
)

const (
	writeTimeout   = 10 * time.Second
	outboundBuffer = 256
	inboundBuffer  = 64
)

// Session is what a factory hands back for each connection: something that
// can start up and then handle host messages.
type Session interface {
	Startup(ctx context.Context) error
	Handle(ctx context.Context, raw []byte) error
}

// SessionFactory builds the bridge for a new connection. out delivers
// messages to that connection only.
type SessionFactory func(sessionID string, out app.Emitter) (Session, error)

// WorkerServer coordinates HTTP serving and per-connection worker sessions.
type WorkerServer struct {
	addr       string
	shell      string
	newSession SessionFactory
	logger     zerolog.Logger

	// OnStatus is invoked for every status message a session emits.
	OnStatus func(sessionID, msg string)

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	conns   map[*websocket.Conn]struct{}

	upgrader websocket.Upgrader
}

// NewWorkerServer creates an HTTP/WebSocket server bound to addr.
func NewWorkerServer(addr string, shell string, factory SessionFactory) *WorkerServer {
	return &WorkerServer{
		addr:       addr,
		shell:      shell,
		newSession: factory,
		logger:     log.With().Str("component", "worker-server").Logger(),
		conns:      map[*websocket.Conn]struct{}{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// URL returns the browser URL for the server.
func (s *WorkerServer) URL() string {
	return "http://" + s.addr
}

// Handler returns the routes without binding a listener.
func (s *WorkerServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *WorkerServer) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "worker server: listen on %s", s.addr)
	}

	server := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()
	s.logger.Info().Str("url", s.URL()).Msg("serving")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		s.closeConns()
		return err
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Start runs the server in the background. Calling it again is a no-op.
func (s *WorkerServer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.started = true
	s.cancel = cancel
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		if err := s.Run(ctx); err != nil {
			s.logger.Error().Err(err).Msg("server stopped")
		}
	}(s.done)
}

// Stop shuts down a server started with Start and waits for it to exit.
func (s *WorkerServer) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.started = false
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	<-done
}

// handleIndex serves the host page shell.
func (s *WorkerServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(s.shell))
}

func (s *WorkerServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

// handleWS upgrades the connection and runs one worker session on it.
func (s *WorkerServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.trackConn(conn, true)
	defer s.trackConn(conn, false)

	id := uuid.NewString()
	logger := s.logger.With().Str("session_id", id).Logger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outbound := make(chan any, outboundBuffer)
	emitter := app.EmitterFunc(func(msg any) error {
		if st, ok := msg.(contracts.StatusMessage); ok && s.OnStatus != nil {
			s.OnStatus(id, st.Msg)
		}
		select {
		case outbound <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	sess, err := s.newSession(id, emitter)
	if err != nil {
		logger.Error().Err(err).Msg("could not create session")
		_ = conn.Close()
		return
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, cancel, conn, outbound, logger)
	}()

	inbound := make(chan []byte, inboundBuffer)
	go func() {
		defer close(inbound)
		defer cancel()
		// Block here until the connection closes / errors out
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info().Msg("session started")
	if err := sess.Startup(ctx); err != nil {
		// the status message already told the host; keep the page connected
		logger.Error().Err(err).Msg("startup failed")
	}

	for raw := range inbound {
		if err := sess.Handle(ctx, raw); err != nil {
			logger.Warn().Err(err).Msg("host message failed")
		}
	}

	cancel()
	<-writerDone
	_ = conn.Close()
	logger.Info().Msg("session ended")
}

// writeLoop serializes websocket writes for one connection.
func (s *WorkerServer) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, outbound <-chan any, logger zerolog.Logger) {
	for {
		select {
		case msg := <-outbound:
			if !writeJSON(conn, msg) {
				logger.Warn().Msg("websocket write failed, dropping connection")
				cancel()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *WorkerServer) trackConn(conn *websocket.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *WorkerServer) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// writeJSON writes a JSON message and reports whether the connection is usable.
func writeJSON(conn *websocket.Conn, v any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(v); err != nil {
		_ = conn.Close()
		return false
	}
	return true
}
