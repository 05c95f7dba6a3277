package socket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/luciancaetano/kephaslink"
)

// Inbound is one sequence-numbered message submitted by a transport.
type Inbound struct {
	Seq uint64
	Msg kephaslink.Message
}

// Outbound is one drained outbound message with its assigned sequence.
type Outbound struct {
	Seq uint64
	Msg kephaslink.Message
}

// Socket is the server-side state of one logical duplex connection. It
// implements kephaslink.Socket.
//
// The two halves of the socket are locked independently: inMu guards the
// reassembly buffer, outMu guards the outbound queue. They are never held
// together. The outbound path is the only place a request blocks.
type Socket struct {
	id          string
	connectTime time.Time
	remoteAddr  string
	serverName  string

	ctx    context.Context
	cancel context.CancelFunc

	callbacks kephaslink.Callbacks
	log       logging.LeveledLogger

	// Inbound reassembly buffer plus the next expected sequence number.
	inMu    sync.Mutex
	inQueue map[uint64]kephaslink.Message
	inSeq   uint64

	// Outbound FIFO queue. Sequence numbers are assigned at drain time so
	// they reflect delivery order. outWaiter identifies the single
	// retrieval currently allowed to wait.
	outMu     sync.Mutex
	outCond   *sync.Cond
	outQueue  []kephaslink.Message
	outSeq    uint64
	outWaiter *waiter

	// Dispatch chain serializing callback runs for this socket.
	dispatchMu   sync.Mutex
	dispatchTail <-chan struct{}

	mu       sync.RWMutex
	closed   bool
	lastSeen time.Time
}

// waiter is a unique token identifying one retrieval request.
type waiter struct{}

func newSocket(id, remoteAddr, serverName string, callbacks kephaslink.Callbacks, log logging.LeveledLogger) *Socket {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	s := &Socket{
		id:          id,
		connectTime: now,
		lastSeen:    now,
		remoteAddr:  remoteAddr,
		serverName:  serverName,
		ctx:         ctx,
		cancel:      cancel,
		callbacks:   callbacks,
		log:         log,
		inQueue:     make(map[uint64]kephaslink.Message),
		inSeq:       1,
		outSeq:      1,
	}
	s.outCond = sync.NewCond(&s.outMu)
	return s
}

// start fires the OnStart callback. A panic in the callback is logged and
// swallowed; the socket is registered regardless.
func (s *Socket) start() {
	if s.callbacks.OnStart == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil && s.log != nil {
			s.log.Errorf("onStart panic for socket %s: %v", s.id, r)
		}
	}()
	s.callbacks.OnStart(s)
}

func (s *Socket) ID() string { return s.id }

func (s *Socket) RemoteAddr() string { return s.remoteAddr }

func (s *Socket) ServerName() string { return s.serverName }

func (s *Socket) ConnectTime() time.Time { return s.connectTime }

func (s *Socket) Context() context.Context { return s.ctx }

func (s *Socket) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Touch records activity on the socket. Transports call it once per
// exchange request; CloseIdle uses the timestamp.
func (s *Socket) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen returns the time of the most recent activity on the socket.
func (s *Socket) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

// Send queues messages for delivery to the client and wakes any pending
// retrieval. Fails fast with ErrSocketClosed after Close. The closed check
// runs under the queue lock, which Close also takes, so a send that
// returns nil has its messages in the queue and drainable even when a
// close lands concurrently.
func (s *Socket) Send(ctx context.Context, messages ...kephaslink.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.IsClosed() {
		return kephaslink.ErrSocketClosed
	}
	if len(messages) == 0 {
		return nil
	}
	s.outQueue = append(s.outQueue, messages...)
	s.outCond.Broadcast()
	return nil
}

// SubmitInbound merges a batch of sequence-numbered messages into the
// reassembly buffer and delivers the longest in-order run to OnMessages.
//
// Application is all-or-nothing: the batch is validated against the buffer,
// against already-delivered sequence numbers, and against itself before any
// entry is merged, so a rejected batch leaves the socket state untouched.
//
// Delivery is asynchronous; the returned channel is closed when the
// callback run for this batch has completed, and is nil when the batch
// released no in-order run. Transports defer release of batch-scoped decode
// resources until the channel closes.
func (s *Socket) SubmitInbound(batch []Inbound) (<-chan struct{}, error) {
	if s.IsClosed() {
		return nil, kephaslink.ErrSocketClosed
	}

	s.inMu.Lock()
	for i, in := range batch {
		if in.Seq < s.inSeq {
			s.inMu.Unlock()
			return nil, fmt.Errorf("%w: %d already delivered", kephaslink.ErrDuplicateSequence, in.Seq)
		}
		if _, buffered := s.inQueue[in.Seq]; buffered {
			s.inMu.Unlock()
			return nil, fmt.Errorf("%w: %d", kephaslink.ErrDuplicateSequence, in.Seq)
		}
		for _, prev := range batch[:i] {
			if prev.Seq == in.Seq {
				s.inMu.Unlock()
				return nil, fmt.Errorf("%w: %d repeated in batch", kephaslink.ErrDuplicateSequence, in.Seq)
			}
		}
	}
	for _, in := range batch {
		s.inQueue[in.Seq] = in.Msg
	}
	// Collect the contiguous run starting at the next expected number.
	var run []kephaslink.Message
	for {
		msg, ok := s.inQueue[s.inSeq]
		if !ok {
			break
		}
		delete(s.inQueue, s.inSeq)
		s.inSeq++
		run = append(run, msg)
	}
	s.inMu.Unlock()

	if len(run) == 0 {
		return nil, nil
	}
	return s.dispatch(func() {
		if s.callbacks.OnMessages != nil {
			s.callbacks.OnMessages(s, run)
		}
	}), nil
}

// ReceiveOutbound blocks until outbound messages are available, the socket
// closes, a newer retrieval supersedes this one, the timeout elapses, or
// ctx is cancelled. An empty batch is a normal outcome; a cancelled ctx is
// reported via the error so the caller's own context can re-raise it.
func (s *Socket) ReceiveOutbound(ctx context.Context, timeout time.Duration) ([]Outbound, error) {
	deadline := time.Now().Add(timeout)
	token := &waiter{}

	s.outMu.Lock()
	defer s.outMu.Unlock()

	// Wake a previous retrieval so it returns empty now rather than after
	// its full timeout; the newest request owns the wait.
	if s.outWaiter != nil {
		s.outCond.Broadcast()
	}
	s.outWaiter = token
	defer func() {
		if s.outWaiter == token {
			s.outWaiter = nil
		}
	}()

	// cond.Wait has no deadline; broadcast when the timeout or the
	// caller's context expires. Every wake source broadcasts while
	// holding outMu, so a wake cannot fall between the deadline check
	// and the wait registering and get lost.
	timer := time.AfterFunc(timeout, func() {
		s.outMu.Lock()
		s.outCond.Broadcast()
		s.outMu.Unlock()
	})
	defer timer.Stop()
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			s.outMu.Lock()
			s.outCond.Broadcast()
			s.outMu.Unlock()
		case <-watchDone:
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(s.outQueue) > 0 {
			batch := make([]Outbound, len(s.outQueue))
			for i, msg := range s.outQueue {
				batch[i] = Outbound{Seq: s.outSeq, Msg: msg}
				s.outSeq++
			}
			s.outQueue = nil
			s.outCond.Broadcast()
			return batch, nil
		}
		if s.IsClosed() {
			return nil, nil
		}
		if s.outWaiter != token {
			// Superseded by a newer retrieval.
			return nil, nil
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}
		s.outCond.Wait()
	}
}

// CallOnError funnels a request failure to the OnError callback. The
// returned channel is closed when the callback run completes. The socket is
// not closed.
func (s *Socket) CallOnError(err error) <-chan struct{} {
	if s.log != nil {
		s.log.Warnf("socket %s: %v", s.id, err)
	}
	return s.dispatch(func() {
		if s.callbacks.OnError != nil {
			s.callbacks.OnError(s, err)
		}
	})
}

// dispatch queues fn behind the socket's previous callback run, keeping
// per-socket callback order strictly sequential.
func (s *Socket) dispatch(fn func()) <-chan struct{} {
	done := make(chan struct{})
	s.dispatchMu.Lock()
	prev := s.dispatchTail
	s.dispatchTail = done
	s.dispatchMu.Unlock()
	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		defer func() {
			if r := recover(); r != nil && s.log != nil {
				s.log.Errorf("callback panic for socket %s: %v", s.id, r)
			}
		}()
		fn()
	}()
	return done
}

// Close transitions the socket to closed, wakes any pending retrieval, and
// cancels the socket context. Idempotent.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.outMu.Lock()
	s.outCond.Broadcast()
	s.outMu.Unlock()
	if s.log != nil {
		s.log.Debugf("socket %s closed", s.id)
	}
	return nil
}
