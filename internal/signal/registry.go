package signal

import (
	"fmt"
	"math"
	"sync"
)

// Registry owns one Detector per symbol, creating them lazily from a shared
// configuration template.
type Registry struct {
	template Config

	mu        sync.Mutex
	detectors map[string]*Detector
}

// NewRegistry validates the template configuration. The template's Symbol
// field is ignored; each detector is created with its own symbol.
func NewRegistry(template Config) (*Registry, error) {
	if template.Tiers.Len() == 0 {
		return nil, fmt.Errorf("detector registry: entry tier table is empty")
	}
	if template.ConfirmTicks < 1 {
		return nil, fmt.Errorf("detector registry: confirmation ticks must be at least 1, got %d", template.ConfirmTicks)
	}
	return &Registry{
		template:  template,
		detectors: make(map[string]*Detector),
	}, nil
}

// For returns the detector for the given symbol, creating it on first use.
func (r *Registry) For(symbol string) *Detector {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.detectors[symbol]; ok {
		return d
	}
	cfg := r.template
	cfg.Symbol = symbol
	d := &Detector{cfg: cfg, lowest: math.Inf(1)}
	r.detectors[symbol] = d
	return d
}

// Reset applies Detector.Reset to the symbol's detector if it exists.
func (r *Registry) Reset(symbol string) {
	if d := r.lookup(symbol); d != nil {
		d.Reset()
	}
}

// Abort applies Detector.Abort to the symbol's detector if it exists.
func (r *Registry) Abort(symbol string) {
	if d := r.lookup(symbol); d != nil {
		d.Abort()
	}
}

// Remove drops the symbol's detector entirely. The next For call starts a
// fresh one from the template.
func (r *Registry) Remove(symbol string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.detectors, symbol)
}

func (r *Registry) lookup(symbol string) *Detector {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.detectors[symbol]
}
