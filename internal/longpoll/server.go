// Package longpoll implements the HTTP long-poll transport endpoint: one
// POST exchange per request, multiplexing an ordered duplex message stream
// over stateless request/response pairs.
package longpoll

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pion/logging"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephaslink"
	"github.com/luciancaetano/kephaslink/internal/protocol"
	"github.com/luciancaetano/kephaslink/internal/socket"
)

// DefaultLongPollTimeout is how long an exchange request is held open when
// no outbound messages are pending. Clients are expected to use a read
// timeout of at least twice this value.
const DefaultLongPollTimeout = 30 * time.Second

// DefaultPath is the endpoint path used when the config leaves it empty.
const DefaultPath = "/lp"

// ServerConfig configures the long-poll endpoint.
type ServerConfig struct {
	// Addr is the address the built-in server listens on, e.g. ":8080".
	Addr string

	// Path is the endpoint path. Defaults to DefaultPath.
	Path string

	// LongPollTimeout bounds how long an exchange request blocks waiting
	// for outbound messages. Defaults to DefaultLongPollTimeout.
	LongPollTimeout time.Duration

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

// Server implements kephaslink.SocketServer over HTTP long polling.
type Server struct {
	addr     string
	path     string
	timeout  time.Duration
	registry *socket.Registry
	decoder  kephaslink.Decoder

	rateLimitConfig *kephaslink.RateLimitConfig
	limiters        sync.Map // socket id -> *rate.Limiter

	server *http.Server
	log    logging.LeveledLogger

	mu      sync.Mutex
	running bool
}

// New creates a long-poll endpoint from the configuration.
func New(cfg *ServerConfig) *Server {
	callbacks := kephaslink.Callbacks{
		OnStart:    cfg.OnStart,
		OnMessages: cfg.OnMessages,
		OnError:    cfg.OnError,
	}
	s := &Server{
		addr:            cfg.Addr,
		path:            cfg.Path,
		timeout:         cfg.LongPollTimeout,
		registry:        socket.NewRegistry(callbacks, cfg.LoggerFactory),
		decoder:         cfg.Decoder,
		rateLimitConfig: cfg.RateLimitConfig,
	}
	if s.path == "" {
		s.path = DefaultPath
	}
	if s.timeout <= 0 {
		s.timeout = DefaultLongPollTimeout
	}
	if s.rateLimitConfig == nil {
		s.rateLimitConfig = kephaslink.DefaultRateLimitConfig()
	}
	if s.decoder == nil {
		s.decoder = kephaslink.DefaultDecoder
	}
	if cfg.LoggerFactory != nil {
		s.log = cfg.LoggerFactory.NewLogger("kephaslink-longpoll")
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

	// Check for immediate startup errors with a small timeout.
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

// Stop closes every socket, waking all pending long-poll retrievals, and
// shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	// Close sockets first so every pending long-poll retrieval wakes and
	// its request can finish before the listener shuts down. This also
	// covers the embedded-handler mode, where there is no server to stop.
	s.registry.CloseAll()
	s.limiters.Range(func(key, _ interface{}) bool {
		s.limiters.Delete(key)
		return true
	})

	if wasRunning && s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Handler returns the endpoint handler, for embedding into an existing mux.
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
	// The exchanges are neither idempotent nor cacheable.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch action := r.PostFormValue("action"); action {
	case "connect":
		s.handleConnect(w, r)
	case "messages":
		s.handleMessages(w, r)
	default:
		http.Error(w, "unexpected action: "+action, http.StatusBadRequest)
	}
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	sock := s.registry.Open(r.RemoteAddr, r.Host)
	if limiter := s.rateLimitConfig.NewLimiter(); limiter != nil {
		s.limiters.Store(sock.ID(), limiter)
		// The limiter leaves with the socket, however it closes: Stop,
		// CloseIdle, or the application.
		go func() {
			<-sock.Context().Done()
			s.limiters.Delete(sock.ID())
		}()
	}
	doc, err := protocol.ConnectionDoc(sock.ID())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeDoc(w, doc)
	if s.log != nil {
		s.log.Infof("socket %s connected from %s", sock.ID(), r.RemoteAddr)
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PostFormValue("id")
	sock, ok := s.registry.Get(id)
	if !ok {
		s.limiters.Delete(id)
		http.Error(w, kephaslink.ErrSocketNotFound.Error(), http.StatusBadRequest)
		return
	}
	// Guards against a connection identifier replayed against the wrong
	// endpoint in a load-balanced deployment.
	if r.Host != sock.ServerName() {
		http.Error(w, kephaslink.ErrServerNameMismatch.Error(), http.StatusBadRequest)
		return
	}
	sock.Touch()

	scratch := new(kephaslink.Scratch)
	batch, err := s.decodeBatch(r, sock.ID(), scratch)
	if err != nil {
		scratch.Release()
		if errors.Is(err, errRateLimited) {
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		}
		s.failRequest(w, sock, err)
		return
	}

	if len(batch) > 0 {
		done, err := sock.SubmitInbound(batch)
		if err != nil {
			scratch.Release()
			s.failRequest(w, sock, err)
			return
		}
		if done == nil {
			// No in-order run was released; nothing holds the decode
			// resources past this request.
			scratch.Release()
		} else {
			go func() {
				<-done
				scratch.Release()
			}()
		}
	} else {
		scratch.Release()
	}

	out, err := sock.ReceiveOutbound(r.Context(), s.timeout)
	if err != nil {
		// The client abandoned the request; there is nobody left to
		// answer.
		return
	}
	items := make([]protocol.Item, len(out))
	for i, o := range out {
		payload, err := o.Msg.Encode()
		if err != nil {
			s.failRequest(w, sock, fmt.Errorf("encode outbound message %d: %w", o.Seq, err))
			return
		}
		items[i] = protocol.Item{Seq: o.Seq, Type: o.Msg.Type(), Payload: payload}
	}
	doc, err := protocol.MessagesDoc(items)
	if err != nil {
		s.failRequest(w, sock, err)
		return
	}
	s.writeDoc(w, doc)
}

var errRateLimited = errors.New("message rate limit exceeded")

// decodeBatch parses and decodes the inbound messages of an exchange
// request: l is the count, s{i}/t{i}/m{i} carry sequence, type tag, and
// encoded payload for each index.
func (s *Server) decodeBatch(r *http.Request, id string, scratch *kephaslink.Scratch) ([]socket.Inbound, error) {
	count, err := strconv.Atoi(r.PostFormValue("l"))
	if err != nil || count < 0 {
		return nil, fmt.Errorf("bad message count %q", r.PostFormValue("l"))
	}
	batch := make([]socket.Inbound, 0, count)
	for i := 0; i < count; i++ {
		if !s.allow(id) {
			return nil, errRateLimited
		}
		idx := strconv.Itoa(i)
		seq, err := strconv.ParseUint(r.PostFormValue("s"+idx), 10, 64)
		if err != nil || seq == 0 {
			return nil, fmt.Errorf("bad sequence %q at index %d", r.PostFormValue("s"+idx), i)
		}
		tag := r.PostFormValue("t" + idx)
		if len(tag) != 1 {
			return nil, fmt.Errorf("bad type tag %q at index %d", tag, i)
		}
		msg, err := s.decoder.Decode(tag[0], r.PostFormValue("m"+idx), scratch)
		if err != nil {
			return nil, fmt.Errorf("decode message at index %d: %w", i, err)
		}
		batch = append(batch, socket.Inbound{Seq: seq, Msg: msg})
	}
	return batch, nil
}

// allow checks the per-connection inbound rate limit.
func (s *Server) allow(id string) bool {
	v, ok := s.limiters.Load(id)
	if !ok {
		return true
	}
	return v.(*rate.Limiter).Allow()
}

// failRequest funnels a request failure to the socket's error callback and
// surfaces it to the client as a non-success response.
func (s *Server) failRequest(w http.ResponseWriter, sock *socket.Socket, err error) {
	sock.CallOnError(err)
	if s.log != nil {
		s.log.Warnf("request failed for socket %s: %v", sock.ID(), err)
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (s *Server) writeDoc(w http.ResponseWriter, doc []byte) {
	w.Header().Set("Content-Type", protocol.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(doc)))
	if _, err := w.Write(doc); err != nil && s.log != nil {
		s.log.Debugf("write response: %v", err)
	}
}
