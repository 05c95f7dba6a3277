package kephaslink

import (
	"context"
	"net/http"
	"time"
)

// Socket represents one logical duplex connection between the server and a
// client. The same contract is implemented for every transport: the HTTP
// long-poll endpoint, the WebSocket endpoint, or anything a caller builds on
// top of the registry.
//
// A socket is created by a transport when a client connects and lives until
// Close is called (by the application, the transport, or server shutdown).
// Messages sent with Send are queued and delivered to the client the next
// time the transport drains the socket; messages arriving from the client are
// reassembled in sequence order and handed to the OnMessages callback.
//
// Example usage:
//
//	cfg := lp.NewConfig(":8080", lp.DefaultRateLimitConfig(), nil)
//	cfg.OnMessages = func(sock kephaslink.Socket, msgs []kephaslink.Message) {
//	    // Echo everything back to the client.
//	    sock.Send(context.Background(), msgs...)
//	}
//	server := lp.New(cfg)
//	server.Start(ctx)
type Socket interface {
	// ID returns the opaque identifier correlating all requests belonging
	// to this connection. It is generated when the socket is created and
	// never changes.
	ID() string

	// RemoteAddr returns the client's remote network address as observed
	// on the request that opened the connection, typically "IP:port".
	RemoteAddr() string

	// ServerName returns the host label the client connected through.
	// Every subsequent request for this socket must carry the same label.
	ServerName() string

	// ConnectTime returns the time the connection was opened.
	ConnectTime() time.Time

	// Context returns the socket's lifecycle context. It is cancelled when
	// the socket closes, allowing goroutines tied to the connection to be
	// cleaned up.
	//
	// Example:
	//
	//	go func() {
	//	    <-sock.Context().Done()
	//	    log.Printf("socket %s closed", sock.ID())
	//	}()
	Context() context.Context

	// Send queues messages for delivery to the client. Messages are
	// delivered in the order they were queued, each with a strictly
	// increasing sequence number assigned when the transport drains them.
	//
	// Returns ErrSocketClosed if the socket has been closed. The context
	// is consulted only for early cancellation of the enqueue itself;
	// Send never blocks waiting for the client.
	Send(ctx context.Context, messages ...Message) error

	// Close transitions the socket to its terminal closed state, wakes any
	// pending long-poll retrieval (which observes the close and returns an
	// empty batch), and cancels the socket's context. Close is idempotent.
	Close() error

	// IsClosed reports whether the socket has been closed.
	IsClosed() bool
}

// SocketServer is a transport endpoint serving duplex sockets.
type SocketServer interface {
	// Start starts the server and begins accepting connections. The
	// server runs until Stop is called or the context is cancelled.
	//
	// Returns an error if the server is already running or the listen
	// address cannot be bound.
	Start(ctx context.Context) error

	// Stop closes every registered socket (waking all pending long-poll
	// retrievals) and then shuts the server down. Safe to call more than
	// once and concurrently with in-flight requests.
	Stop(ctx context.Context) error

	// Handler returns the endpoint's http.Handler for embedding into an
	// existing mux instead of running the built-in server.
	Handler() http.Handler

	// Socket looks up a live socket by identifier. A missing identifier
	// is a normal outcome, reported through ok.
	Socket(id string) (Socket, bool)

	// Count returns the number of live sockets.
	Count() int

	// Broadcast queues messages on every open socket.
	Broadcast(ctx context.Context, messages ...Message) error

	// CloseIdle closes sockets with no activity for at least maxIdle and
	// returns how many were closed. Idle-close policy belongs to the
	// application; the server never sweeps on its own.
	CloseIdle(maxIdle time.Duration) int
}

// OnStartFn is called once, synchronously, when a socket is constructed and
// before it is registered. A panic inside the callback is logged and does
// not prevent the socket from being registered.
type OnStartFn = func(sock Socket)

// OnMessagesFn is called with each in-order run of inbound messages. Runs
// for one socket are delivered sequentially and exactly once, in sequence
// order, on a goroutine separate from the request that carried them.
type OnMessagesFn = func(sock Socket, messages []Message)

// OnErrorFn is called when a request for the socket hits a protocol
// violation or an unexpected failure. The socket is not closed
// automatically; closing is the application's decision.
type OnErrorFn = func(sock Socket, err error)

// Callbacks bundles the application hooks attached to every socket a server
// creates. Any field may be nil.
type Callbacks struct {
	OnStart    OnStartFn
	OnMessages OnMessagesFn
	OnError    OnErrorFn
}

// Decoder decodes one wire message. Implementations that stage large
// payloads in external resources (spill files, pooled buffers) register a
// release hook with the scratch; the transport releases the scratch only
// after the ordered delivery of the batch has completed, so decoded messages
// may safely reference those resources from the OnMessages callback.
//
// A nil Decoder in a server config means DefaultDecoder.
type Decoder interface {
	Decode(tag byte, encoded string, scratch *Scratch) (Message, error)
}
