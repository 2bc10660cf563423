package device

import "sync"

type ledgerEntry struct {
	id  BufferID
	end int64 // cumulative submitted-byte offset at which this buffer completes
}

// BufferLedger maps a running count of played bytes onto whole submitted
// buffers. Backends that expose only a byte-level notion of progress (a
// staging ring, a pipe) use it to answer ProcessedBufferCount and
// UnqueueBuffers in buffer units, in strict submission order.
//
// Safe for concurrent use; the playback callback and the caller goroutine
// touch it from different threads.
type BufferLedger struct {
	mu        sync.Mutex
	entries   []ledgerEntry
	submitted int64

	// monotone completion history, independent of unqueueing
	ends      []int64
	completed int
}

// Submit records a buffer of the given size appended to the playback queue.
func (l *BufferLedger) Submit(id BufferID, size int) {
	l.mu.Lock()
	l.submitted += int64(size)
	l.entries = append(l.entries, ledgerEntry{id: id, end: l.submitted})
	l.ends = append(l.ends, l.submitted)
	l.mu.Unlock()
}

// Completed returns how many queued buffers are fully covered by played
// bytes, i.e. processed but not yet unqueued.
func (l *BufferLedger) Completed(played int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e.end > played {
			break
		}
		n++
	}
	return n
}

// TotalCompleted returns how many buffers have ever been fully covered by
// played bytes, including ones already unqueued. The count is monotone, so
// callers delivering completion events can diff successive values.
func (l *BufferLedger) TotalCompleted(played int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.ends) > 0 && l.ends[0] <= played {
		l.completed++
		l.ends = l.ends[1:]
	}
	return l.completed
}

// Unqueue removes up to n of the oldest entries and returns their ids plus
// the cumulative byte offset at which the last removed entry completes.
// Callers force-unqueueing beyond the played offset (flush) use that offset
// to discard the unplayed remainder from their staging storage.
func (l *BufferLedger) Unqueue(n int) ([]BufferID, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > len(l.entries) {
		n = len(l.entries)
	}
	if n <= 0 {
		return nil, 0
	}
	ids := make([]BufferID, n)
	for i := 0; i < n; i++ {
		ids[i] = l.entries[i].id
	}
	end := l.entries[n-1].end
	l.entries = l.entries[n:]
	return ids, end
}

// Len returns the number of buffers submitted and not yet unqueued.
func (l *BufferLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// SubmittedBytes returns the total bytes ever submitted.
func (l *BufferLedger) SubmittedBytes() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submitted
}

// Reset drops all entries and zeroes the submitted-byte count.
func (l *BufferLedger) Reset() {
	l.mu.Lock()
	l.entries = nil
	l.submitted = 0
	l.ends = nil
	l.completed = 0
	l.mu.Unlock()
}
