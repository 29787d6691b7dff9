package reconciler

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"

	"github.com/cnaize/geofw/src/core/dataplane"
	"github.com/cnaize/geofw/src/types"
)

type undo struct {
	family types.Family
	upsert []types.Rule
	remove []netip.Prefix
}

// journal records the inverse of every applied table operation.
type journal struct {
	tables dataplane.Tables
	slot   int
	undos  []undo
}

func newJournal(tables dataplane.Tables, slot int) *journal {
	return &journal{
		tables: tables,
		slot:   slot,
	}
}

func (j *journal) upsert(family types.Family, res resident, rules []types.Rule) error {
	n, err := j.tables.Upsert(j.slot, family, rules)

	u := undo{family: family}
	for _, rule := range rules[:n] {
		if entry, ok := res[rule.Prefix]; ok {
			u.upsert = append(u.upsert, types.Rule{Prefix: rule.Prefix, Entry: entry})
		} else {
			u.remove = append(u.remove, rule.Prefix)
		}
	}
	j.undos = append(j.undos, u)

	return err
}

func (j *journal) remove(family types.Family, res resident, prefixes []netip.Prefix) error {
	n, err := j.tables.Delete(j.slot, family, prefixes)

	u := undo{family: family}
	for _, prefix := range prefixes[:n] {
		if entry, ok := res[prefix]; ok {
			u.upsert = append(u.upsert, types.Rule{Prefix: prefix, Entry: entry})
		}
	}
	j.undos = append(j.undos, u)

	return err
}

func (j *journal) len() int {
	var n int
	for _, u := range j.undos {
		n += len(u.upsert) + len(u.remove)
	}

	return n
}

// rollback undoes the journal in reverse order.
func (j *journal) rollback() error {
	var errs error
	for _, u := range slices.Backward(j.undos) {
		// restore removed entries before dropping the inserted ones
		if len(u.upsert) > 0 {
			if _, err := j.tables.Upsert(j.slot, u.family, u.upsert); err != nil {
				errs = errors.Join(errs, fmt.Errorf("restore %s: %w", u.family, err))
			}
		}
		if len(u.remove) > 0 {
			if _, err := j.tables.Delete(j.slot, u.family, u.remove); err != nil {
				errs = errors.Join(errs, fmt.Errorf("remove %s: %w", u.family, err))
			}
		}
	}
	j.undos = nil

	return errs
}
