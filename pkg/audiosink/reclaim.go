package audiosink

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/drgolem/audiosink/pkg/device"
)

// reclaimer determines how many queued device buffers have finished playing.
// One of the two implementations is chosen at Init based on whether the
// device delivers asynchronous completion notifications; the choice never
// changes afterwards.
type reclaimer interface {
	// await returns the number of buffers confirmed consumed by the device.
	// With wait set it blocks until at least req buffers completed or the
	// queued byte count reached zero; without it it reports whatever has
	// completed so far. It may return less than req, and with wait more
	// than req if completions arrive in bursts.
	await(wait bool, req int) int
}

// eventReclaimer accumulates completion notifications delivered by the
// device on its own goroutine. The accumulated count is known to overreport
// on some backends, so every read is reconciled against the device's own
// processed-buffer query by taking the minimum; under-reclaiming is corrected
// on the next call, reclaiming buffers the device still owns is not.
type eventReclaimer struct {
	dev         device.Device
	queuedBytes *atomic.Int64

	mu       sync.Mutex
	cond     *sync.Cond
	released int
}

func newEventReclaimer(dev device.Device, queuedBytes *atomic.Int64) *eventReclaimer {
	r := &eventReclaimer{dev: dev, queuedBytes: queuedBytes}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// onCompleted is the device completion callback. Runs on a device-owned
// goroutine.
func (r *eventReclaimer) onCompleted(buffers int) {
	r.mu.Lock()
	r.released += buffers
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *eventReclaimer) await(wait bool, req int) int {
	if r.queuedBytes.Load() == 0 {
		return 0
	}
	released := 0
	for {
		r.mu.Lock()
		for wait && r.queuedBytes.Load() > 0 && r.released < req {
			r.cond.Wait()
		}
		byEvent := r.released
		byQuery := r.dev.ProcessedBufferCount()
		released = min(byEvent, byQuery)
		r.released = 0
		r.mu.Unlock()
		if !wait || r.queuedBytes.Load() == 0 || released >= req {
			return released
		}
	}
}

// pollReclaimer periodically queries the device's processed-buffer count.
// Between unmet polls it sleeps for roughly the time the outstanding buffers
// need to finish, clamped to [2ms, 300ms]. Total sleep is tracked against a
// soft deadline of req * avgFrameDuration; once exceeded, sleeps collapse to
// 1ms so a bad duration estimate cannot stretch the wait indefinitely. The
// device context is released around every sleep.
type pollReclaimer struct {
	dev         device.Device
	queuedBytes *atomic.Int64
	avg         func() time.Duration
}

func newPollReclaimer(dev device.Device, queuedBytes *atomic.Int64, avg func() time.Duration) *pollReclaimer {
	return &pollReclaimer{dev: dev, queuedBytes: queuedBytes, avg: avg}
}

func (r *pollReclaimer) await(wait bool, req int) int {
	if r.queuedBytes.Load() == 0 {
		return 0
	}
	avgMs := float64(r.avg()) / float64(time.Millisecond)
	sleepLimit := time.Duration(float64(req)*avgMs+0.5) * time.Millisecond
	var slept time.Duration
	released := 0
	for {
		released = r.dev.ProcessedBufferCount()
		if wait && released < req {
			// clip wait at [2 .. 300] ms, 1 ms off for the re-check
			ms := int(float64(req-released)*avgMs + 0.5)
			if ms < 2 {
				ms = 2
			} else if ms > 300 {
				ms = 300
			}
			sleep := time.Duration(ms-1) * time.Millisecond
			if slept+sleep+time.Millisecond > sleepLimit {
				// past the soft deadline: busy-poll instead of scaling up
				sleep = time.Millisecond
			}
			r.dev.ReleaseContext()
			time.Sleep(sleep)
			r.dev.AcquireContext()
			slept += sleep
			continue
		}
		if !wait || r.queuedBytes.Load() == 0 || released >= req {
			return released
		}
	}
}
