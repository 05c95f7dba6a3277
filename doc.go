// Package kephaslink provides asynchronous bidirectional messaging over HTTP
// long polling, for clients that cannot hold a persistent connection open.
//
// The library emulates an ordered, full-duplex message stream on top of
// independent, stateless HTTP request/response exchanges. A client opens a
// logical connection with one request and then exchanges messages with a
// series of follow-up requests: each one delivers a batch of
// sequence-numbered client-to-server messages and then long-polls for
// server-to-client messages.
//
// # Architecture
//
// The core is transport-agnostic. Each logical connection is a Socket with
// two independent halves:
//
//   - Inbound reassembly: client messages arrive tagged with sequence
//     numbers (starting at 1) and may arrive out of order across requests.
//     The socket buffers gaps and releases only the contiguous in-order run,
//     delivering it exactly once to the OnMessages callback. A duplicated
//     sequence number is a protocol violation and rejects the whole batch.
//   - Outbound drain: Send queues messages in FIFO order; the transport
//     drains the queue and assigns strictly increasing, gap-free sequence
//     numbers at drain time, so numbers reflect delivery order.
//
// The outbound drain is where long polling happens: a retrieval blocks until
// messages are queued, the socket closes, the configured timeout elapses, or
// a newer retrieval for the same socket arrives. Only the newest retrieval
// is allowed to wait (supersession); an older waiter is woken immediately
// and returns an empty batch, which bounds blocked requests to one per
// connection under client retry storms.
//
// Two transports share the same Socket contract:
//
//   - lp: the HTTP long-poll endpoint (POST action=connect / action=messages
//     with an XML response document).
//   - ws: a WebSocket endpoint where frames push directly and the write pump
//     reuses the same outbound drain.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/kephaslink"
//	    "github.com/luciancaetano/kephaslink/lp"
//	)
//
//	cfg := lp.NewConfig(":8080", lp.DefaultRateLimitConfig(), nil)
//	cfg.OnMessages = func(sock kephaslink.Socket, msgs []kephaslink.Message) {
//	    // Echo every message back to the client.
//	    sock.Send(context.Background(), msgs...)
//	}
//	server := lp.New(cfg)
//	if err := server.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Wire Protocol
//
// Both endpoints only accept POST; anything else is answered with 405 and
// caching is disabled on every response.
//
// Opening a connection:
//
//	POST action=connect
//	-> <?xml version="1.0" encoding="UTF-8" standalone="yes"?>
//	   <connection id="..."/>
//
// Exchanging messages:
//
//	POST action=messages, id=<connection id>, l=<count>,
//	     s0..s{l-1}=<sequence>, t0..t{l-1}=<type tag>, m0..m{l-1}=<payload>
//	-> <?xml version="1.0" encoding="UTF-8" standalone="yes"?>
//	   <messages>
//	     <message seq="1" type="s">hello</message>
//	   </messages>
//
// An empty <messages/> document is a normal outcome; the client is expected
// to immediately issue the next exchange request, which realizes continuous
// long polling.
//
// Message payloads are tagged with a single type character: 's' for UTF-8
// strings, 'b' for base64 binary. Maximum payload: 1MB.
//
// # Rate Limiting
//
// Each connection has independent token-bucket rate limiting over its
// inbound messages:
//
//	// Default: 100 messages/second, burst 200
//	cfg := lp.NewConfig(":8080", lp.DefaultRateLimitConfig(), nil)
//
//	// Disabled
//	cfg := lp.NewConfig(":8080", lp.NoRateLimit(), nil)
//
// When the limit is exceeded the request is rejected with 429.
//
// # Important
//
//   - Connection state lives in server memory only; it does not survive a
//     restart and there is no cross-server routing.
//   - OnMessages runs on its own goroutine but runs for one socket are
//     strictly sequential and in order.
//   - OnError does not close the socket; closing is the application's call.
//   - Server shutdown closes every socket, waking all long-poll waiters.
package kephaslink
