// Package websocket implements the WebSocket transport endpoint. It serves
// the same duplex socket contract as the long-poll endpoint, with frames
// pushed directly instead of polled: the stream carries ordering, so each
// inbound frame is submitted with the next consecutive sequence number, and
// a per-connection write pump drains the outbound queue.
package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"

	"github.com/luciancaetano/kephaslink"
	"github.com/luciancaetano/kephaslink/internal/socket"
)

// CheckOriginFn validates the origin of a connection request. It receives
// the HTTP request and returns true if the origin is allowed.
type CheckOriginFn = func(r *http.Request) bool

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingPeriod   = 54 * time.Second
)

// ServerConfig configures the WebSocket endpoint.
type ServerConfig struct {
	// Addr is the address the built-in server listens on.
	Addr string

	// Path is the endpoint path. Defaults to "/ws".
	Path string

	// DrainTimeout bounds each pass the write pump spends waiting on the
	// outbound queue. Defaults to 30s.
	DrainTimeout time.Duration

	// CheckOrigin validates connection origins (CORS). If nil, the
	// upgrader's same-origin default applies.
	CheckOrigin CheckOriginFn

	// RateLimitConfig limits inbound messages per connection. If nil,
	// kephaslink.DefaultRateLimitConfig() is used.
	RateLimitConfig *kephaslink.RateLimitConfig

	// OnStart is called once per socket, synchronously, before it is
	// registered. May be nil.
	OnStart kephaslink.OnStartFn

	// OnMessages is called with each in-order run of inbound messages.
	// May be nil.
	OnMessages kephaslink.OnMessagesFn

	// OnError is called when a request for a socket fails. May be nil.
	OnError kephaslink.OnErrorFn

	// Decoder decodes inbound wire messages. If nil,
	// kephaslink.DefaultDecoder is used.
	Decoder kephaslink.Decoder

	// LoggerFactory is the factory for creating loggers. If nil, logging
	// is disabled.
	LoggerFactory logging.LoggerFactory
}

// Server implements kephaslink.SocketServer over WebSocket.
type Server struct {
	addr    string
	path    string
	drain   time.Duration
	decoder kephaslink.Decoder

	registry        *socket.Registry
	rateLimitConfig *kephaslink.RateLimitConfig

	server   *http.Server
	upgrader websocket.Upgrader
	log      logging.LeveledLogger

	mu      sync.Mutex
	running bool
}

// New creates a WebSocket endpoint from the configuration.
func New(cfg *ServerConfig) *Server {
	callbacks := kephaslink.Callbacks{
		OnStart:    cfg.OnStart,
		OnMessages: cfg.OnMessages,
		OnError:    cfg.OnError,
	}
	s := &Server{
		addr:            cfg.Addr,
		path:            cfg.Path,
		drain:           cfg.DrainTimeout,
		decoder:         cfg.Decoder,
		registry:        socket.NewRegistry(callbacks, cfg.LoggerFactory),
		rateLimitConfig: cfg.RateLimitConfig,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
	if s.path == "" {
		s.path = "/ws"
	}
	if s.drain <= 0 {
		s.drain = 30 * time.Second
	}
	if s.rateLimitConfig == nil {
		s.rateLimitConfig = kephaslink.DefaultRateLimitConfig()
	}
	if s.decoder == nil {
		s.decoder = kephaslink.DefaultDecoder
	}
	if cfg.LoggerFactory != nil {
		s.log = cfg.LoggerFactory.NewLogger("kephaslink-ws")
	}
	return s
}

// Start starts the built-in HTTP server.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return kephaslink.ErrServerAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.Handle(s.path, s.Handler())

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(stopCtx)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop closes every socket and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	// Closing the sockets first ends every read/write pump; it also
	// covers the embedded-handler mode, where there is no server to stop.
	s.registry.CloseAll()

	if wasRunning && s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler returns the upgrade handler, for embedding into an existing mux.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.serveHTTP)
}

// Socket looks up a live socket by identifier.
func (s *Server) Socket(id string) (kephaslink.Socket, bool) {
	sock, ok := s.registry.Get(id)
	if !ok {
		return nil, false
	}
	return sock, true
}

// Count returns the number of live sockets.
func (s *Server) Count() int {
	return s.registry.Count()
}

// Broadcast queues messages on every open socket.
func (s *Server) Broadcast(ctx context.Context, messages ...kephaslink.Message) error {
	return s.registry.Broadcast(ctx, messages...)
}

// CloseIdle closes sockets idle for at least maxIdle.
func (s *Server) CloseIdle(maxIdle time.Duration) int {
	return s.registry.CloseIdle(maxIdle)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		return
	}
	sock := s.registry.Open(r.RemoteAddr, r.Host)
	c := newConn(ws, sock, s)
	go c.readPump()
	go c.writePump()
}
