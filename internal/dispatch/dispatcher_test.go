package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/profiled/internal/events"
	"github.com/mattjoyce/profiled/internal/profile"
)

// recordingHandler captures processed requests and tracks per-key
// concurrency.
type recordingHandler struct {
	mu        sync.Mutex
	processed []*profile.Request

	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	// fn, when set, runs for each request before recording.
	fn func(ctx context.Context, req *profile.Request) error
}

func (h *recordingHandler) Process(ctx context.Context, req *profile.Request) error {
	cur := h.inFlight.Add(1)
	defer h.inFlight.Add(-1)
	for {
		max := h.maxInFlight.Load()
		if cur <= max || h.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}

	var err error
	if h.fn != nil {
		err = h.fn(ctx, req)
	}

	h.mu.Lock()
	h.processed = append(h.processed, req)
	h.mu.Unlock()
	return err
}

func (h *recordingHandler) names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.processed))
	for _, req := range h.processed {
		if req.Name != nil {
			out = append(out, *req.Name)
		}
	}
	return out
}

func upsertReq(key int64, name string) *profile.Request {
	return &profile.Request{
		ProfileID:  key,
		Action:     profile.ActionUpsert,
		Name:       &name,
		Completion: profile.NewCompletion(),
	}
}

// waitTerminal reads signals from a completion channel until a terminal
// one arrives, asserting accepted comes first.
func waitTerminal(t *testing.T, ch chan profile.Signal) profile.Signal {
	t.Helper()

	var sigs []profile.Signal
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-ch:
			sigs = append(sigs, s)
			if s.Terminal() {
				require.Equal(t, profile.SignalAccepted, sigs[0].State,
					"accepted must precede terminal signal")
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for terminal signal (got %v)", sigs)
		}
	}
}

func TestIntraKeyFIFO(t *testing.T) {
	t.Parallel()

	h := &recordingHandler{}
	d := New(h, WithIdleTimeout(time.Second))
	defer func() { _ = d.Shutdown(context.Background()) }()

	const n = 50
	var last chan profile.Signal
	for i := 0; i < n; i++ {
		req := upsertReq(7, fmt.Sprintf("req-%03d", i))
		last = req.Completion
		d.Enqueue(req)
	}
	waitTerminal(t, last)

	names := h.names()
	require.Len(t, names, n)
	for i, name := range names {
		assert.Equal(t, fmt.Sprintf("req-%03d", i), name)
	}
	assert.Equal(t, int32(1), h.maxInFlight.Load(),
		"single-key requests must never overlap")
}

func TestIsolationAcrossKeys(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	h := &recordingHandler{
		fn: func(ctx context.Context, req *profile.Request) error {
			if req.ProfileID == 1 {
				select {
				case <-release:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		},
	}
	d := New(h, WithIdleTimeout(time.Second))
	defer func() { _ = d.Shutdown(context.Background()) }()

	slow := upsertReq(1, "slow")
	fast := upsertReq(2, "fast")
	d.Enqueue(slow)
	d.Enqueue(fast)

	// Key 2 must finish while key 1 is stuck.
	s := waitTerminal(t, fast.Completion)
	assert.Equal(t, profile.SignalCompleted, s.State)

	close(release)
	waitTerminal(t, slow.Completion)
}

func TestAtMostOneWorkerPerKey(t *testing.T) {
	t.Parallel()

	h := &recordingHandler{}
	d := New(h, WithIdleTimeout(time.Second))
	defer func() { _ = d.Shutdown(context.Background()) }()

	const producers = 16
	const perProducer = 10

	var wg sync.WaitGroup
	completions := make([]chan profile.Signal, 0, producers*perProducer)
	var cmu sync.Mutex
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				req := upsertReq(99, fmt.Sprintf("p%d-%d", p, i))
				cmu.Lock()
				completions = append(completions, req.Completion)
				cmu.Unlock()
				d.Enqueue(req)
			}
		}(p)
	}
	wg.Wait()

	for _, ch := range completions {
		waitTerminal(t, ch)
	}

	assert.Len(t, h.processed, producers*perProducer, "no request may be dropped")
	assert.Equal(t, int32(1), h.maxInFlight.Load(),
		"racing enqueues for one key must share a single worker")
}

func TestIdleTeardownAndRevival(t *testing.T) {
	t.Parallel()

	h := &recordingHandler{}
	d := New(h, WithIdleTimeout(30*time.Millisecond))
	defer func() { _ = d.Shutdown(context.Background()) }()

	first := upsertReq(3, "first")
	d.Enqueue(first)
	waitTerminal(t, first.Completion)

	require.Eventually(t, func() bool {
		return d.Stats().Workers == 0
	}, 2*time.Second, 10*time.Millisecond, "idle worker must deregister")

	second := upsertReq(3, "second")
	d.Enqueue(second)
	s := waitTerminal(t, second.Completion)
	assert.Equal(t, profile.SignalCompleted, s.State)
	assert.Len(t, h.names(), 2)
}

func TestNoSilentDropUnderTeardownRace(t *testing.T) {
	t.Parallel()

	h := &recordingHandler{}
	// Aggressive idle timeout to maximize teardown/enqueue races.
	d := New(h, WithIdleTimeout(time.Millisecond))
	defer func() { _ = d.Shutdown(context.Background()) }()

	const n = 200
	for i := 0; i < n; i++ {
		req := upsertReq(5, fmt.Sprintf("r%d", i))
		d.Enqueue(req)
		s := waitTerminal(t, req.Completion)
		assert.Equal(t, profile.SignalCompleted, s.State)
		if i%3 == 0 {
			time.Sleep(2 * time.Millisecond)
		}
	}
	assert.Len(t, h.processed, n)
}

func TestFailureIsolation(t *testing.T) {
	t.Parallel()

	h := &recordingHandler{
		fn: func(ctx context.Context, req *profile.Request) error {
			if req.Name != nil && *req.Name == "bad" {
				return errors.New("boom")
			}
			return nil
		},
	}
	d := New(h, WithIdleTimeout(time.Second))
	defer func() { _ = d.Shutdown(context.Background()) }()

	bad := upsertReq(9, "bad")
	good := upsertReq(9, "good")
	d.Enqueue(bad)
	d.Enqueue(good)

	s1 := waitTerminal(t, bad.Completion)
	assert.Equal(t, profile.SignalFailed, s1.State)
	assert.Contains(t, s1.Message, "boom")

	s2 := waitTerminal(t, good.Completion)
	assert.Equal(t, profile.SignalCompleted, s2.State,
		"a failed request must not stop the worker loop")
}

func TestPanicRecovery(t *testing.T) {
	t.Parallel()

	h := &recordingHandler{
		fn: func(ctx context.Context, req *profile.Request) error {
			if req.Name != nil && *req.Name == "panic" {
				panic("kaboom")
			}
			return nil
		},
	}
	d := New(h, WithIdleTimeout(time.Second))
	defer func() { _ = d.Shutdown(context.Background()) }()

	boom := upsertReq(11, "panic")
	next := upsertReq(11, "next")
	d.Enqueue(boom)
	d.Enqueue(next)

	s1 := waitTerminal(t, boom.Completion)
	assert.Equal(t, profile.SignalFailed, s1.State)
	assert.Contains(t, s1.Message, "kaboom")

	s2 := waitTerminal(t, next.Completion)
	assert.Equal(t, profile.SignalCompleted, s2.State)
}

func TestTerminalSignalDeliveredOnce(t *testing.T) {
	t.Parallel()

	h := &recordingHandler{}
	d := New(h, WithIdleTimeout(time.Second))
	defer func() { _ = d.Shutdown(context.Background()) }()

	req := upsertReq(13, "one")
	d.Enqueue(req)
	waitTerminal(t, req.Completion)

	select {
	case s := <-req.Completion:
		t.Fatalf("unexpected extra signal: %#v", s)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLifecycleEventsPublished(t *testing.T) {
	t.Parallel()

	h := &recordingHandler{
		fn: func(ctx context.Context, req *profile.Request) error {
			if req.Name != nil && *req.Name == "bad" {
				return errors.New("boom")
			}
			return nil
		},
	}
	hub := events.NewHub(16)
	d := New(h, WithIdleTimeout(time.Second), WithEvents(hub))
	defer func() { _ = d.Shutdown(context.Background()) }()

	good := upsertReq(41, "good")
	bad := upsertReq(41, "bad")
	d.Enqueue(good)
	d.Enqueue(bad)
	waitTerminal(t, good.Completion)
	waitTerminal(t, bad.Completion)

	types := make(map[string]int)
	for _, ev := range hub.SnapshotSince(0) {
		types[ev.Type]++
	}
	assert.Equal(t, 2, types[events.TypeRequestAccepted],
		"every processed request publishes an accepted event")
	assert.Equal(t, 1, types[events.TypeRequestFailed],
		"only the failing request publishes a failed event")
}

func TestFireAndForget(t *testing.T) {
	t.Parallel()

	h := &recordingHandler{}
	d := New(h, WithIdleTimeout(time.Second))
	defer func() { _ = d.Shutdown(context.Background()) }()

	// No completion channel at all.
	d.Enqueue(&profile.Request{ProfileID: 21, Action: profile.ActionRemove})

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.processed) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownFailsPending(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	block := make(chan struct{})
	h := &recordingHandler{
		fn: func(ctx context.Context, req *profile.Request) error {
			close(started)
			<-ctx.Done()
			<-block
			return ctx.Err()
		},
	}
	d := New(h, WithIdleTimeout(time.Second))

	first := upsertReq(31, "in-flight")
	d.Enqueue(first)
	<-started

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(block)
	}()
	require.NoError(t, d.Shutdown(context.Background()))

	// Enqueue after shutdown fails immediately, without an accepted signal.
	late := upsertReq(31, "late")
	d.Enqueue(late)
	select {
	case s := <-late.Completion:
		assert.Equal(t, profile.SignalFailed, s.State)
	case <-time.After(time.Second):
		t.Fatal("expected immediate failure signal after shutdown")
	}
}
