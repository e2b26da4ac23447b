package pathsync

import "sync"

// progressTracker turns per-file completions from concurrent workers into a
// non-decreasing sequence of percentages. The callback is invoked with the
// mutex held, so calls never overlap or reorder.
type progressTracker struct {
	mu         sync.Mutex
	total      int64
	done       int64
	last       float64
	onProgress ProgressFunc
}

func newProgressTracker(total int64, onProgress ProgressFunc) *progressTracker {
	return &progressTracker{total: total, onProgress: onProgress}
}

// step records one processed file.
func (p *progressTracker) step() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done++
	pct := 100.0
	if p.total > 0 {
		pct = float64(p.done) / float64(p.total) * 100
	}
	// The tree can grow between the counting pass and the copy pass.
	if pct > 100 {
		pct = 100
	}
	if pct < p.last {
		pct = p.last
	}
	p.last = pct
	p.emit(pct)
}

// finish reports completion.
func (p *progressTracker) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = 100
	p.emit(100)
}

func (p *progressTracker) emit(pct float64) {
	if p.onProgress != nil {
		p.onProgress(pct)
	}
}
