package dataplane

import (
	"context"
	"errors"
	"net/netip"

	"github.com/cnaize/geofw/src/types"
)

var (
	ErrTableFull   = errors.New("table full")
	ErrInvalidSlot = errors.New("invalid slot")
	ErrNotLoaded   = errors.New("dataplane not loaded")
)

// Tables is the write side of the classifier tables. Every single
// operation is atomic for readers, batches are not.
type Tables interface {
	// Slots is 2 when a selector flips between two table sets, 1 otherwise.
	Slots() int
	Active() int
	Capacity(family types.Family) int
	// Upsert returns the number of rules written before a failure.
	Upsert(slot int, family types.Family, rules []types.Rule) (int, error)
	// Delete returns the number of prefixes removed before a failure.
	// Absent prefixes are not an error.
	Delete(slot int, family types.Family, prefixes []netip.Prefix) (int, error)
	Clear(slot int, family types.Family) error
	// Publish stores the slot meta and makes the slot active.
	Publish(slot int, meta types.Meta) error
}

type Dataplane interface {
	Tables

	Name() string
	Load(ctx context.Context) error
	Attach(ctx context.Context) error
	Detach() error
	// Events delivers sampled decisions, overflow is dropped.
	Events() <-chan types.Decision
	// Lost reports a hook lost while attached.
	Lost() <-chan error
	Stats() (Stats, error)
	Close() error
}

type Stats struct {
	Allowed    uint64 `json:"allowed"`
	Dropped    uint64 `json:"dropped"`
	Missed     uint64 `json:"missed"`
	EventsLost uint64 `json:"events_lost"`
}

func checkSlot(t Tables, slot int) error {
	if slot < 0 || slot >= t.Slots() {
		return ErrInvalidSlot
	}

	return nil
}
