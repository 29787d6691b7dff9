package classifier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cnaize/geofw/src/types"
)

type State string

const (
	StateDetached State = "detached"
	StateAttached State = "attached"
)

var ErrNoGeneration = errors.New("no generation enforced")

type Attacher interface {
	Attach(ctx context.Context) error
	Detach() error
}

// Hook tracks the classifier attachment. Attaching requires an enforced
// generation so traffic never meets an empty table.
type Hook struct {
	mu       sync.Mutex
	attacher Attacher
	state    State
}

func NewHook(attacher Attacher) *Hook {
	return &Hook{
		attacher: attacher,
		state:    StateDetached,
	}
}

func (h *Hook) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.state
}

func (h *Hook) Attach(ctx context.Context, generation uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateAttached {
		return nil
	}
	if generation == 0 {
		return fmt.Errorf("%w: %w", types.ErrAttachment, ErrNoGeneration)
	}

	if err := h.attacher.Attach(ctx); err != nil {
		return fmt.Errorf("%w: %w", types.ErrAttachment, err)
	}
	h.state = StateAttached

	return nil
}

func (h *Hook) Detach() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateDetached {
		return nil
	}

	// the hook is released even when detach reports an error
	h.state = StateDetached
	if err := h.attacher.Detach(); err != nil {
		return fmt.Errorf("detach: %w", err)
	}

	return nil
}
