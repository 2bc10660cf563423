package audiosink

import (
	"sync"
	"time"

	"github.com/drgolem/audiosink/pkg/frame"
)

// Clock derives the current presentation position from the most recently
// reclaimed frame. Reclamation records (wall time, frame PTS) pairs via Set;
// Now extrapolates from the last pair using elapsed wall time scaled by the
// playback speed. The speed func returns 0 while playback is not requested,
// freezing the position.
type Clock struct {
	mu       sync.RWMutex
	lastTime time.Time
	lastPTS  int64
	speed    func() float32
}

// NewClock creates a clock in the invalid state.
func NewClock(speed func() float32) *Clock {
	return &Clock{lastPTS: frame.InvalidPTS, speed: speed}
}

// Set records that playback position corresponded to pts as of now.
func (c *Clock) Set(now time.Time, pts int64) {
	c.mu.Lock()
	c.lastTime = now
	c.lastPTS = pts
	c.mu.Unlock()
}

// Last returns the most recently recorded PTS without extrapolation, or
// frame.InvalidPTS if nothing has been recorded since the last Reset.
func (c *Clock) Last() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPTS
}

// Now returns the estimated presentation position at the given wall time.
func (c *Clock) Now(now time.Time) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastPTS == frame.InvalidPTS {
		return frame.InvalidPTS
	}
	sp := c.speed()
	if sp == 0 {
		return c.lastPTS
	}
	elapsedMs := float64(now.Sub(c.lastTime)) / float64(time.Millisecond)
	return c.lastPTS + int64(elapsedMs*float64(sp))
}

// Reset invalidates the position, as after a flush.
func (c *Clock) Reset() {
	c.mu.Lock()
	c.lastTime = time.Time{}
	c.lastPTS = frame.InvalidPTS
	c.mu.Unlock()
}
