package engine

import (
	"io"
	"sync"
	"sync/atomic"
)

// Progress is the sink a transfer reports into. The host may cancel through it.
// The zero value is not usable; use NewProgress.
type Progress struct {
	total     atomic.Int64
	completed atomic.Int64

	once sync.Once
	done chan struct{}

	mu      sync.Mutex
	mirrors []*Progress
}

// NewProgress creates a progress sink for a transfer of total bytes
// (0 when unknown).
func NewProgress(total int64) *Progress {
	p := &Progress{done: make(chan struct{})}
	p.total.Store(total)
	return p
}

// SetTotal updates the expected size once the engine learns it.
func (p *Progress) SetTotal(n int64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.total.Store(n)
	mirrors := p.mirrors
	p.mu.Unlock()
	for _, m := range mirrors {
		m.SetTotal(n)
	}
}

// Add records n transferred bytes.
func (p *Progress) Add(n int64) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.completed.Add(n)
	mirrors := p.mirrors
	p.mu.Unlock()
	for _, m := range mirrors {
		m.Add(n)
	}
}

// Forward makes p report into to as well, starting with what p has counted
// so far. Cancellation is not forwarded.
func (p *Progress) Forward(to *Progress) {
	if p == nil || to == nil {
		return
	}
	p.mu.Lock()
	p.mirrors = append(p.mirrors, to)
	total, completed := p.total.Load(), p.completed.Load()
	p.mu.Unlock()

	if total > 0 {
		to.SetTotal(total)
	}
	to.Add(completed)
}

// Completed returns transferred bytes.
func (p *Progress) Completed() int64 {
	if p == nil {
		return 0
	}
	return p.completed.Load()
}

// Total returns the expected size, or 0 when unknown.
func (p *Progress) Total() int64 {
	if p == nil {
		return 0
	}
	return p.total.Load()
}

// Fraction returns completion in [0,1], or 0 when the total is unknown.
func (p *Progress) Fraction() float64 {
	total := p.Total()
	if total <= 0 {
		return 0
	}
	f := float64(p.Completed()) / float64(total)
	if f > 1 {
		return 1
	}
	return f
}

// Cancel requests that the transfer stop. Safe to call more than once.
func (p *Progress) Cancel() {
	if p == nil {
		return
	}
	p.once.Do(func() { close(p.done) })
}

// Cancelled reports whether Cancel was called.
func (p *Progress) Cancelled() bool {
	if p == nil {
		return false
	}
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Done is closed when the transfer is cancelled. A nil Progress never cancels.
func (p *Progress) Done() <-chan struct{} {
	if p == nil {
		return nil
	}
	return p.done
}

// Writer wraps an io.Writer so writes are counted and stop after cancellation.
func (p *Progress) Writer(w io.Writer) *CountingWriter {
	return &CountingWriter{w: w, p: p}
}

// CountingWriter reports written bytes into a Progress.
type CountingWriter struct {
	w io.Writer
	p *Progress
}

func (cw *CountingWriter) Write(b []byte) (int, error) {
	if cw.p.Cancelled() {
		return 0, ErrCancelled
	}
	n, err := cw.w.Write(b)
	cw.p.Add(int64(n))
	return n, err
}

// Reader wraps an io.Reader so reads are counted and stop after cancellation.
func (p *Progress) Reader(r io.Reader) *CountingReader {
	return &CountingReader{r: r, p: p}
}

// CountingReader reports read bytes into a Progress.
type CountingReader struct {
	r io.Reader
	p *Progress
}

func (cr *CountingReader) Read(b []byte) (int, error) {
	if cr.p.Cancelled() {
		return 0, ErrCancelled
	}
	n, err := cr.r.Read(b)
	cr.p.Add(int64(n))
	return n, err
}
