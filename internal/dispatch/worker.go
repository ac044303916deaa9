package dispatch

import (
	"fmt"
	"time"

	"github.com/mattjoyce/profiled/internal/events"
	"github.com/mattjoyce/profiled/internal/profile"
)

// worker is the sequential processing loop for one profile key. Its queue
// and lifetime are guarded by the owning Dispatcher's mutex: enqueue and
// deregistration happen under the same lock, so a request racing a teardown
// either lands in the still-registered worker or observes an empty registry
// slot and spawns a replacement.
type worker struct {
	key   int64
	queue []*profile.Request
	wake  chan struct{}
}

func newWorker(key int64) *worker {
	return &worker{
		key:  key,
		wake: make(chan struct{}, 1),
	}
}

// push appends a request and signals the loop. Caller must hold the
// dispatcher mutex.
func (w *worker) push(req *profile.Request) {
	w.queue = append(w.queue, req)
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// run drains the worker's queue one request at a time, waits out idle
// periods, and deregisters on timeout.
func (d *Dispatcher) run(w *worker) {
	defer d.wg.Done()

	logger := d.logger.With("key", w.key)
	idle := time.NewTimer(d.idleTimeout)
	defer idle.Stop()

	for {
		if req := d.next(w); req != nil {
			d.process(req)
			continue
		}

		// Idle-waiting: queue observed empty.
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(d.idleTimeout)

		select {
		case <-w.wake:
			// New work arrived within the window.
		case <-idle.C:
			if d.deregister(w) {
				logger.Debug("worker exiting after idle timeout")
				return
			}
			// A request slipped in between the empty check and the
			// timeout; keep draining.
		case <-d.baseCtx.Done():
			d.abort(w)
			logger.Debug("worker aborted by shutdown")
			return
		}
	}
}

// next pops the oldest queued request, or nil if the queue is empty.
func (d *Dispatcher) next(w *worker) *profile.Request {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(w.queue) == 0 {
		return nil
	}
	req := w.queue[0]
	w.queue = w.queue[1:]
	return req
}

// process executes one request, converting any error or panic into a
// failed signal. A failing request never terminates the worker loop.
func (d *Dispatcher) process(req *profile.Request) {
	req.Notify(profile.Signal{State: profile.SignalAccepted})
	d.publish(events.TypeRequestAccepted, req, "")

	if err := d.safeProcess(req); err != nil {
		d.logger.Warn("request failed",
			"key", req.Key(), "action", req.Action, "error", err)
		req.Notify(profile.Signal{State: profile.SignalFailed, Message: err.Error()})
		d.publish(events.TypeRequestFailed, req, err.Error())
		return
	}
	req.Notify(profile.Signal{State: profile.SignalCompleted})
}

// publish emits a request lifecycle event when a hub is configured.
func (d *Dispatcher) publish(eventType string, req *profile.Request, errMsg string) {
	if d.hub == nil {
		return
	}
	data := map[string]any{
		"profile_id": req.ProfileID,
		"action":     req.Action,
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	d.hub.Publish(eventType, data)
}

func (d *Dispatcher) safeProcess(req *profile.Request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing request: %v", r)
		}
	}()
	return d.handler.Process(d.baseCtx, req)
}

// deregister removes the worker from the registry if its queue is still
// empty. Returns false when a request arrived after the timeout fired, in
// which case the worker must keep running.
func (d *Dispatcher) deregister(w *worker) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(w.queue) > 0 {
		return false
	}
	if d.workers[w.key] == w {
		delete(d.workers, w.key)
	}
	return true
}

// abort removes the worker during shutdown and fails whatever is still
// queued so no request is silently dropped.
func (d *Dispatcher) abort(w *worker) {
	d.mu.Lock()
	if d.workers[w.key] == w {
		delete(d.workers, w.key)
	}
	pending := w.queue
	w.queue = nil
	d.mu.Unlock()

	for _, req := range pending {
		req.Notify(profile.Signal{State: profile.SignalFailed, Message: "dispatcher is shut down"})
	}
}
