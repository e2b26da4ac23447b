package config

import "sync"

// Live holds the current configuration of a running daemon.
// Every call to Get returns a complete value; Set swaps the whole value.
type Live struct {
	mu  sync.RWMutex
	cfg Config
}

func NewLive(cfg Config) *Live {
	return &Live{cfg: cfg}
}

func (l *Live) Get() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

func (l *Live) Set(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}
