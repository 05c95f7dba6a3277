// Package ws is the public facade for the WebSocket endpoint. It serves the
// same duplex socket contract as lp, with frames pushed directly instead of
// long-polled.
package ws

import (
	"net/http"

	"github.com/pion/logging"

	"github.com/luciancaetano/kephaslink"
	"github.com/luciancaetano/kephaslink/internal/websocket"
)

type ServerConfig = *websocket.ServerConfig
type RateLimitConfig = kephaslink.RateLimitConfig
type CheckOriginFn = websocket.CheckOriginFn

// New creates a WebSocket socket server.
//
// Example:
//
//	cfg := ws.NewConfig(":8080", ws.DefaultRateLimitConfig(), ws.AllOrigins(), nil)
//	cfg.OnMessages = func(sock kephaslink.Socket, msgs []kephaslink.Message) {
//	    sock.Send(context.Background(), msgs...)
//	}
//	server := ws.New(cfg)
func New(cfg ServerConfig) kephaslink.SocketServer {
	return websocket.New(cfg)
}

// NewConfig builds a server configuration. The loggerFactory may be nil to
// disable logging; callbacks are set on the returned config.
func NewConfig(addr string, rateLimitConfig *RateLimitConfig, checkOrigin CheckOriginFn, loggerFactory logging.LoggerFactory) ServerConfig {
	return &websocket.ServerConfig{
		Addr:            addr,
		RateLimitConfig: rateLimitConfig,
		CheckOrigin:     checkOrigin,
		LoggerFactory:   loggerFactory,
	}
}

// AllOrigins returns a checkOrigin function that allows all origins. Never
// use it in production.
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration.
func DefaultRateLimitConfig() *RateLimitConfig {
	return kephaslink.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled.
func NoRateLimit() *RateLimitConfig {
	return kephaslink.NoRateLimit()
}
