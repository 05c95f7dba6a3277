package socket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/luciancaetano/kephaslink"
)

// recorder collects callback invocations for assertions.
type recorder struct {
	mu       sync.Mutex
	messages []kephaslink.Message
	runs     [][]kephaslink.Message
	errs     []error
	started  int
}

func (r *recorder) callbacks() kephaslink.Callbacks {
	return kephaslink.Callbacks{
		OnStart: func(kephaslink.Socket) {
			r.mu.Lock()
			r.started++
			r.mu.Unlock()
		},
		OnMessages: func(_ kephaslink.Socket, msgs []kephaslink.Message) {
			r.mu.Lock()
			r.messages = append(r.messages, msgs...)
			r.runs = append(r.runs, msgs)
			r.mu.Unlock()
		},
		OnError: func(_ kephaslink.Socket, err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) received() []kephaslink.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kephaslink.Message(nil), r.messages...)
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func newTestSocket(t *testing.T, rec *recorder) *Socket {
	t.Helper()
	reg := NewRegistry(rec.callbacks(), nil)
	s := reg.Open("127.0.0.1:4242", "example.com")
	t.Cleanup(func() { s.Close() })
	return s
}

func strs(msgs []kephaslink.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = string(m.(kephaslink.StringMessage))
	}
	return out
}

func batch(pairs ...interface{}) []Inbound {
	var out []Inbound
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, Inbound{
			Seq: uint64(pairs[i].(int)),
			Msg: kephaslink.StringMessage(pairs[i+1].(string)),
		})
	}
	return out
}

// submitAndWait submits a batch and waits for its delivery to complete.
func submitAndWait(t *testing.T, s *Socket, b []Inbound) {
	t.Helper()
	done, err := s.SubmitInbound(b)
	if err != nil {
		t.Fatalf("SubmitInbound() error = %v", err)
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("delivery did not complete")
		}
	}
}

// TestInOrderDelivery tests that batches arriving out of order are delivered
// to the callback in sequence order
func TestInOrderDelivery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		batches [][]Inbound
		want    []string
	}{
		{
			name: "single in-order batch",
			batches: [][]Inbound{
				batch(1, "a", 2, "b", 3, "c"),
			},
			want: []string{"a", "b", "c"},
		},
		{
			name: "batches reversed",
			batches: [][]Inbound{
				batch(3, "c", 4, "d"),
				batch(1, "a", 2, "b"),
			},
			want: []string{"a", "b", "c", "d"},
		},
		{
			name: "interleaved singletons",
			batches: [][]Inbound{
				batch(2, "b"),
				batch(4, "d"),
				batch(1, "a"),
				batch(3, "c"),
			},
			want: []string{"a", "b", "c", "d"},
		},
		{
			name: "batch out of order within itself",
			batches: [][]Inbound{
				batch(2, "b", 1, "a", 3, "c"),
			},
			want: []string{"a", "b", "c"},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := &recorder{}
			s := newTestSocket(t, rec)
			for _, b := range tt.batches {
				submitAndWait(t, s, b)
			}
			got := strs(rec.received())
			if len(got) != len(tt.want) {
				t.Fatalf("delivered %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("delivered %v, want %v", got, tt.want)
				}
			}
		})
	}
}

// TestGapHolding tests that nothing is delivered while a sequence gap is open
func TestGapHolding(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := newTestSocket(t, rec)

	submitAndWait(t, s, batch(3, "c"))
	if got := rec.received(); len(got) != 0 {
		t.Fatalf("delivered %v before the gap was filled", strs(got))
	}

	submitAndWait(t, s, batch(1, "a", 2, "b"))
	got := strs(rec.received())
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("delivered %v, want %v", got, want)
		}
	}

	// The release was a single run.
	rec.mu.Lock()
	runs := len(rec.runs)
	rec.mu.Unlock()
	if runs != 1 {
		t.Errorf("delivered in %d runs, want 1", runs)
	}
}

// TestDuplicateSequence tests that a duplicated sequence number rejects the
// batch without applying any of it
func TestDuplicateSequence(t *testing.T) {
	t.Parallel()

	t.Run("duplicate of buffered entry", func(t *testing.T) {
		t.Parallel()

		rec := &recorder{}
		s := newTestSocket(t, rec)
		submitAndWait(t, s, batch(3, "c"))

		_, err := s.SubmitInbound(batch(2, "b", 3, "dup"))
		if !errors.Is(err, kephaslink.ErrDuplicateSequence) {
			t.Fatalf("SubmitInbound() error = %v, want ErrDuplicateSequence", err)
		}

		// Nothing from the rejected batch was merged: filling the gap
		// must deliver only seq 1 and the original seq 3.
		submitAndWait(t, s, batch(1, "a", 2, "b"))
		got := strs(rec.received())
		want := []string{"a", "b", "c"}
		if len(got) != len(want) {
			t.Fatalf("delivered %v, want %v", got, want)
		}
	})

	t.Run("duplicate of delivered entry", func(t *testing.T) {
		t.Parallel()

		rec := &recorder{}
		s := newTestSocket(t, rec)
		submitAndWait(t, s, batch(1, "a"))

		_, err := s.SubmitInbound(batch(1, "again"))
		if !errors.Is(err, kephaslink.ErrDuplicateSequence) {
			t.Fatalf("SubmitInbound() error = %v, want ErrDuplicateSequence", err)
		}
		if got := strs(rec.received()); len(got) != 1 {
			t.Fatalf("message delivered twice: %v", got)
		}
	})

	t.Run("duplicate within one batch", func(t *testing.T) {
		t.Parallel()

		rec := &recorder{}
		s := newTestSocket(t, rec)

		_, err := s.SubmitInbound(batch(2, "b", 2, "b2"))
		if !errors.Is(err, kephaslink.ErrDuplicateSequence) {
			t.Fatalf("SubmitInbound() error = %v, want ErrDuplicateSequence", err)
		}

		// The socket stays open and usable.
		submitAndWait(t, s, batch(1, "a"))
		if got := strs(rec.received()); len(got) != 1 || got[0] != "a" {
			t.Fatalf("delivered %v, want [a]", got)
		}
	})
}

// TestOutboundOrdering tests that drained messages keep enqueue order with
// strictly increasing, gap-free sequence numbers
func TestOutboundOrdering(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := newTestSocket(t, rec)
	ctx := context.Background()

	for _, text := range []string{"a", "b", "c"} {
		if err := s.Send(ctx, kephaslink.StringMessage(text)); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	out, err := s.ReceiveOutbound(ctx, time.Second)
	if err != nil {
		t.Fatalf("ReceiveOutbound() error = %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("drained %d messages, want 3", len(out))
	}
	for i, o := range out {
		if o.Seq != uint64(i+1) {
			t.Errorf("out[%d].Seq = %d, want %d", i, o.Seq, i+1)
		}
	}
	want := []string{"a", "b", "c"}
	for i, o := range out {
		if string(o.Msg.(kephaslink.StringMessage)) != want[i] {
			t.Errorf("out[%d] = %q, want %q", i, o.Msg, want[i])
		}
	}
}

// TestOutboundSequenceAssignedAtDrainTime tests that sequence numbers
// continue across drains
func TestOutboundSequenceAssignedAtDrainTime(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := newTestSocket(t, rec)
	ctx := context.Background()

	s.Send(ctx, kephaslink.StringMessage("a"))
	out, err := s.ReceiveOutbound(ctx, time.Second)
	if err != nil || len(out) != 1 || out[0].Seq != 1 {
		t.Fatalf("first drain = %v, %v; want seq 1", out, err)
	}

	s.Send(ctx, kephaslink.StringMessage("b"))
	out, err = s.ReceiveOutbound(ctx, time.Second)
	if err != nil || len(out) != 1 || out[0].Seq != 2 {
		t.Fatalf("second drain = %v, %v; want seq 2", out, err)
	}
}

// TestSupersession tests that an older retrieval returns empty promptly when
// a newer retrieval registers
func TestSupersession(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := newTestSocket(t, rec)
	ctx := context.Background()

	type result struct {
		out     []Outbound
		err     error
		elapsed time.Duration
	}
	first := make(chan result, 1)
	started := make(chan struct{})
	go func() {
		close(started)
		begin := time.Now()
		out, err := s.ReceiveOutbound(ctx, 10*time.Second)
		first <- result{out, err, time.Since(begin)}
	}()
	<-started
	// Give the first retrieval time to register and block.
	time.Sleep(50 * time.Millisecond)

	second := make(chan result, 1)
	go func() {
		out, err := s.ReceiveOutbound(ctx, 200*time.Millisecond)
		second <- result{out, err, 0}
	}()

	select {
	case res := <-first:
		if res.err != nil {
			t.Fatalf("superseded retrieval error = %v", res.err)
		}
		if len(res.out) != 0 {
			t.Fatalf("superseded retrieval returned %d messages, want 0", len(res.out))
		}
		if res.elapsed > 2*time.Second {
			t.Fatalf("superseded retrieval took %v, should return promptly", res.elapsed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("superseded retrieval did not return")
	}

	// The newer retrieval still owns the wait and times out normally.
	select {
	case res := <-second:
		if res.err != nil || len(res.out) != 0 {
			t.Fatalf("newest retrieval = %v, %v; want empty", res.out, res.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("newest retrieval did not return")
	}
}

// TestReceiveTimeout tests that an idle retrieval returns empty after
// approximately the configured timeout
func TestReceiveTimeout(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := newTestSocket(t, rec)

	const timeout = 200 * time.Millisecond
	begin := time.Now()
	out, err := s.ReceiveOutbound(context.Background(), timeout)
	elapsed := time.Since(begin)

	if err != nil {
		t.Fatalf("ReceiveOutbound() error = %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("ReceiveOutbound() returned %d messages, want 0", len(out))
	}
	if elapsed < timeout {
		t.Errorf("returned after %v, before the %v timeout", elapsed, timeout)
	}
	if elapsed > timeout+2*time.Second {
		t.Errorf("returned after %v, well past the %v timeout", elapsed, timeout)
	}
}

// TestReceiveTimeoutRepeated tests that back-to-back idle retrievals each
// honor their own timeout
func TestReceiveTimeoutRepeated(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := newTestSocket(t, rec)

	const timeout = 20 * time.Millisecond
	for i := 0; i < 20; i++ {
		begin := time.Now()
		out, err := s.ReceiveOutbound(context.Background(), timeout)
		elapsed := time.Since(begin)
		if err != nil || len(out) != 0 {
			t.Fatalf("retrieval %d = %v, %v; want empty", i, out, err)
		}
		if elapsed > timeout+2*time.Second {
			t.Fatalf("retrieval %d returned after %v, well past the %v timeout", i, elapsed, timeout)
		}
	}
}

// TestSendConcurrentWithClose tests that every send reporting success has
// its messages in the queue and drainable, whatever the interleaving with a
// concurrent close
func TestSendConcurrentWithClose(t *testing.T) {
	t.Parallel()

	for round := 0; round < 20; round++ {
		rec := &recorder{}
		s := newTestSocket(t, rec)
		ctx := context.Background()

		const senders = 8
		var mu sync.Mutex
		accepted := 0
		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < senders; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if err := s.Send(ctx, kephaslink.StringMessage("x")); err == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			s.Close()
		}()
		close(start)
		wg.Wait()

		out, err := s.ReceiveOutbound(ctx, time.Second)
		if err != nil {
			t.Fatalf("round %d: ReceiveOutbound() error = %v", round, err)
		}
		if len(out) != accepted {
			t.Fatalf("round %d: %d sends accepted but %d messages drained", round, accepted, len(out))
		}
	}
}

// TestReceiveWakesOnSend tests that a blocked retrieval wakes as soon as a
// message is queued
func TestReceiveWakesOnSend(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := newTestSocket(t, rec)
	ctx := context.Background()

	got := make(chan []Outbound, 1)
	go func() {
		out, _ := s.ReceiveOutbound(ctx, 10*time.Second)
		got <- out
	}()
	time.Sleep(50 * time.Millisecond)

	if err := s.Send(ctx, kephaslink.StringMessage("wake")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case out := <-got:
		if len(out) != 1 || out[0].Seq != 1 {
			t.Fatalf("drained %v, want one message with seq 1", out)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retrieval did not wake on send")
	}
}

// TestClosedSemantics tests close waking waiters and failing fast afterwards
func TestClosedSemantics(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := newTestSocket(t, rec)
	ctx := context.Background()

	got := make(chan []Outbound, 1)
	go func() {
		out, _ := s.ReceiveOutbound(ctx, 10*time.Second)
		got <- out
	}()
	time.Sleep(50 * time.Millisecond)

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case out := <-got:
		if len(out) != 0 {
			t.Fatalf("closed retrieval returned %d messages, want 0", len(out))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retrieval did not wake on close")
	}

	if !s.IsClosed() {
		t.Error("IsClosed() = false after Close()")
	}
	if err := s.Send(ctx, kephaslink.StringMessage("late")); !errors.Is(err, kephaslink.ErrSocketClosed) {
		t.Errorf("Send() after close error = %v, want ErrSocketClosed", err)
	}
	if _, err := s.SubmitInbound(batch(1, "late")); !errors.Is(err, kephaslink.ErrSocketClosed) {
		t.Errorf("SubmitInbound() after close error = %v, want ErrSocketClosed", err)
	}
	// A retrieval after close returns empty immediately.
	out, err := s.ReceiveOutbound(ctx, 10*time.Second)
	if err != nil || len(out) != 0 {
		t.Errorf("ReceiveOutbound() after close = %v, %v; want empty", out, err)
	}
	// Close is idempotent.
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	select {
	case <-s.Context().Done():
	default:
		t.Error("socket context not cancelled after Close()")
	}
}

// TestInterruptedWait tests that cancelling the request context releases the
// wait and reports the cancellation
func TestInterruptedWait(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := newTestSocket(t, rec)

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan error, 1)
	go func() {
		_, err := s.ReceiveOutbound(ctx, 10*time.Second)
		got <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-got:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("ReceiveOutbound() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retrieval did not wake on context cancellation")
	}

	// The abandoned wait released its token: a later retrieval still
	// drains normally.
	if err := s.Send(context.Background(), kephaslink.StringMessage("after")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	out, err := s.ReceiveOutbound(context.Background(), time.Second)
	if err != nil || len(out) != 1 {
		t.Fatalf("retrieval after cancellation = %v, %v; want one message", out, err)
	}
}

// TestDispatchOrder tests that callback runs for one socket never overlap or
// reorder even under concurrent submission pressure
func TestDispatchOrder(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := newTestSocket(t, rec)

	const n = 50
	var last <-chan struct{}
	for i := 1; i <= n; i++ {
		done, err := s.SubmitInbound(batch(i, fmt.Sprintf("m%d", i)))
		if err != nil {
			t.Fatalf("SubmitInbound() error = %v", err)
		}
		if done != nil {
			last = done
		}
	}
	if last == nil {
		t.Fatal("no delivery scheduled")
	}
	select {
	case <-last:
	case <-time.After(5 * time.Second):
		t.Fatal("deliveries did not complete")
	}

	got := strs(rec.received())
	if len(got) != n {
		t.Fatalf("delivered %d messages, want %d", len(got), n)
	}
	for i, text := range got {
		if want := fmt.Sprintf("m%d", i+1); text != want {
			t.Fatalf("delivered[%d] = %q, want %q", i, text, want)
		}
	}
}

// TestErrorCallback tests that CallOnError reaches the callback without
// closing the socket
func TestErrorCallback(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := newTestSocket(t, rec)

	cause := errors.New("boom")
	select {
	case <-s.CallOnError(cause):
	case <-time.After(5 * time.Second):
		t.Fatal("error callback did not complete")
	}

	errs := rec.errors()
	if len(errs) != 1 || !errors.Is(errs[0], cause) {
		t.Fatalf("error callback got %v, want [%v]", errs, cause)
	}
	if s.IsClosed() {
		t.Error("CallOnError() closed the socket")
	}
}

// TestEndToEnd tests the full scenario: open, submit, echo, drain, close
func TestEndToEnd(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	reg := NewRegistry(rec.callbacks(), nil)
	s := reg.Open("127.0.0.1:9999", "example.com")
	ctx := context.Background()

	if rec.started != 1 {
		t.Fatalf("onStart fired %d times, want 1", rec.started)
	}

	submitAndWait(t, s, batch(1, "hello"))
	if got := strs(rec.received()); len(got) != 1 || got[0] != "hello" {
		t.Fatalf("delivered %v, want [hello]", got)
	}

	if err := s.Send(ctx, kephaslink.StringMessage("world")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	out, err := s.ReceiveOutbound(ctx, time.Second)
	if err != nil || len(out) != 1 || out[0].Seq != 1 {
		t.Fatalf("drain = %v, %v; want seq 1", out, err)
	}
	if string(out[0].Msg.(kephaslink.StringMessage)) != "world" {
		t.Fatalf("drained %q, want world", out[0].Msg)
	}

	s.Close()
	out, err = s.ReceiveOutbound(ctx, 10*time.Second)
	if err != nil || len(out) != 0 {
		t.Fatalf("drain after close = %v, %v; want empty", out, err)
	}
}

// TestOnStartPanicRecovered tests that a panicking onStart does not prevent
// registration
func TestOnStartPanicRecovered(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(kephaslink.Callbacks{
		OnStart: func(kephaslink.Socket) { panic("onStart boom") },
	}, nil)
	s := reg.Open("127.0.0.1:1", "example.com")
	if s == nil {
		t.Fatal("Open() returned nil")
	}
	if _, ok := reg.Get(s.ID()); !ok {
		t.Error("socket not registered after onStart panic")
	}
}
