package fingerprint

import (
	"sync"

	"github.com/FranksOps/snare/internal/storage"
	"github.com/FranksOps/snare/pkg/useragent"
)

// Holder keeps the identity every fetch is sent under and replaces it
// according to the rotation policy. It is safe for concurrent use.
type Holder struct {
	mu        sync.Mutex
	current   *useragent.Identity
	uses      int
	rotations int
	generate  func() useragent.Identity
}

// NewHolder creates a holder. A nil generate uses useragent.Generate.
func NewHolder(generate func() useragent.Identity) *Holder {
	if generate == nil {
		generate = func() useragent.Identity { return useragent.Generate(nil) }
	}
	return &Holder{generate: generate}
}

// Current returns the identity, generating one on first use.
func (h *Holder) Current() useragent.Identity {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentLocked()
}

func (h *Holder) currentLocked() useragent.Identity {
	if h.current == nil {
		id := h.generate()
		h.current = &id
	}
	return *h.current
}

// Rotate replaces the identity and resets the usage counter.
func (h *Holder) Rotate() useragent.Identity {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rotateLocked()
}

func (h *Holder) rotateLocked() useragent.Identity {
	id := h.generate()
	h.current = &id
	h.uses = 0
	h.rotations++
	return id
}

// Rotations reports how many times the identity was replaced.
func (h *Holder) Rotations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rotations
}

// BeforeBatch applies the batch policy and reports whether it rotated.
func (h *Holder) BeforeBatch(policy storage.FingerprintRotate) bool {
	if policy == storage.RotateBatch {
		h.Rotate()
		return true
	}
	return false
}

// BeforeRequest applies the per-request policies. Under the count policy the
// identity is replaced once it has been used count times.
func (h *Holder) BeforeRequest(policy storage.FingerprintRotate, count int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch policy {
	case storage.RotateRequest:
		h.rotateLocked()
		return true
	case storage.RotateCount:
		h.uses++
		if count > 0 && h.uses >= count {
			h.rotateLocked()
			return true
		}
	}
	return false
}

// OnCaptcha rotates after a captcha unless disabled.
func (h *Holder) OnCaptcha(enabled bool) {
	if enabled {
		h.Rotate()
	}
}
