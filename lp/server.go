// Package lp is the public facade for the HTTP long-poll endpoint.
package lp

import (
	"github.com/pion/logging"

	"github.com/luciancaetano/kephaslink"
	"github.com/luciancaetano/kephaslink/internal/longpoll"
)

type ServerConfig = *longpoll.ServerConfig
type RateLimitConfig = kephaslink.RateLimitConfig

// DefaultLongPollTimeout is how long an exchange request is held open when
// no outbound messages are pending.
const DefaultLongPollTimeout = longpoll.DefaultLongPollTimeout

// New creates a long-poll socket server.
//
// Example:
//
//	cfg := lp.NewConfig(":8080", lp.DefaultRateLimitConfig(), nil)
//	cfg.OnMessages = func(sock kephaslink.Socket, msgs []kephaslink.Message) {
//	    sock.Send(context.Background(), msgs...)
//	}
//	server := lp.New(cfg)
//	if err := server.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
func New(cfg ServerConfig) kephaslink.SocketServer {
	return longpoll.New(cfg)
}

// NewConfig builds a server configuration. The loggerFactory may be nil to
// disable logging; callbacks are set on the returned config.
func NewConfig(addr string, rateLimitConfig *RateLimitConfig, loggerFactory logging.LoggerFactory) ServerConfig {
	return &longpoll.ServerConfig{
		Addr:            addr,
		RateLimitConfig: rateLimitConfig,
		LoggerFactory:   loggerFactory,
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
