package websocket

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/kephaslink"
	"github.com/luciancaetano/kephaslink/internal/socket"
)

// conn binds one WebSocket connection to its socket. Frames carry a
// single-byte type tag followed by the encoded payload.
type conn struct {
	ws      *websocket.Conn
	sock    *socket.Socket
	server  *Server
	limiter *rate.Limiter

	// nextSeq numbers inbound frames; the stream already delivers them in
	// order, so reassembly in the socket core is a pass-through.
	nextSeq uint64

	writeMu sync.Mutex
}

func newConn(ws *websocket.Conn, sock *socket.Socket, server *Server) *conn {
	return &conn{
		ws:      ws,
		sock:    sock,
		server:  server,
		limiter: server.rateLimitConfig.NewLimiter(),
		nextSeq: 1,
	}
}

// readPump decodes inbound frames and submits them to the socket core. It
// owns teardown: when it returns, the socket is closed and deregistered.
func (c *conn) readPump() {
	defer c.teardown()

	c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && c.server.log != nil {
				c.server.log.Warnf("socket %s read: %v", c.sock.ID(), err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		c.sock.Touch()

		if c.limiter != nil && !c.limiter.Allow() {
			c.closeWith(websocket.ClosePolicyViolation, "message rate limit exceeded")
			return
		}
		if len(data) == 0 {
			c.closeWith(websocket.CloseProtocolError, "empty frame")
			return
		}

		scratch := new(kephaslink.Scratch)
		msg, err := c.server.decoder.Decode(data[0], string(data[1:]), scratch)
		if err != nil {
			scratch.Release()
			c.sock.CallOnError(err)
			c.closeWith(websocket.CloseProtocolError, err.Error())
			return
		}
		done, err := c.sock.SubmitInbound([]socket.Inbound{{Seq: c.nextSeq, Msg: msg}})
		c.nextSeq++
		if err != nil {
			scratch.Release()
			if errors.Is(err, kephaslink.ErrSocketClosed) {
				return
			}
			c.sock.CallOnError(err)
			c.closeWith(websocket.CloseProtocolError, err.Error())
			return
		}
		if done == nil {
			scratch.Release()
		} else {
			go func() {
				<-done
				scratch.Release()
			}()
		}
	}
}

// writePump drains the socket's outbound queue into frames, reusing the
// long-poll retrieval loop, and keeps the connection alive with pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				c.writeMu.Lock()
				c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				err := c.ws.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			case <-c.sock.Context().Done():
				return
			}
		}
	}()

	for {
		out, err := c.sock.ReceiveOutbound(c.sock.Context(), c.server.drain)
		if err != nil || c.sock.IsClosed() {
			return
		}
		for _, o := range out {
			payload, err := o.Msg.Encode()
			if err != nil {
				c.sock.CallOnError(err)
				continue
			}
			frame := make([]byte, 0, 1+len(payload))
			frame = append(frame, o.Msg.Type())
			frame = append(frame, payload...)

			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			err = c.ws.WriteMessage(websocket.BinaryMessage, frame)
			c.writeMu.Unlock()
			if err != nil {
				c.sock.Close()
				return
			}
		}
	}
}

func (c *conn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	message := websocket.FormatCloseMessage(code, reason)
	c.ws.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
	c.writeMu.Unlock()
}

func (c *conn) teardown() {
	c.sock.Close()
	c.server.registry.Remove(c.sock.ID())
	c.ws.Close()
}
