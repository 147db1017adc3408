// Package ledger tracks the spendable resources that fund transactions.
package ledger

import (
	"fmt"
	"sync"

	"github.com/ashureev/kdapp-runtime/internal/chain"
	"github.com/ashureev/kdapp-runtime/internal/domain"
)

// Resource is one spendable output known to the ledger.
type Resource struct {
	Outpoint chain.Outpoint `json:"outpoint"`
	Amount   uint64         `json:"amount"`
	Script   []byte         `json:"-"`
	IsSpent  bool           `json:"is_spent"`
}

// Ledger holds resources in insertion order. Spent entries stay in the set
// until the next Refresh so a repeated MarkSpent is detected.
type Ledger struct {
	mu        sync.RWMutex
	resources []*Resource
	index     map[chain.Outpoint]*Resource
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{index: make(map[chain.Outpoint]*Resource)}
}

// Refresh replaces the whole resource set. Duplicate outpoints keep their
// first occurrence.
func (l *Ledger) Refresh(resources []Resource) {
	next := make([]*Resource, 0, len(resources))
	index := make(map[chain.Outpoint]*Resource, len(resources))
	for i := range resources {
		r := resources[i]
		if _, dup := index[r.Outpoint]; dup {
			continue
		}
		r.Script = append([]byte(nil), r.Script...)
		next = append(next, &r)
		index[r.Outpoint] = &r
	}

	l.mu.Lock()
	l.resources = next
	l.index = index
	l.mu.Unlock()
}

// Available returns copies of the unspent resources in insertion order.
func (l *Ledger) Available() []Resource {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Resource, 0, len(l.resources))
	for _, r := range l.resources {
		if !r.IsSpent {
			out = append(out, *r)
		}
	}
	return out
}

// Select returns the first unspent resource without consuming it.
func (l *Ledger) Select() (Resource, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, r := range l.resources {
		if !r.IsSpent {
			return *r, nil
		}
	}
	return Resource{}, domain.ErrNoResourcesAvailable
}

// MarkSpent consumes the resource at op.
func (l *Ledger) MarkSpent(op chain.Outpoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.markSpentLocked(op)
}

func (l *Ledger) markSpentLocked(op chain.Outpoint) error {
	r, ok := l.index[op]
	if !ok {
		return fmt.Errorf("resource %s: %w", op, domain.ErrNotFound)
	}
	if r.IsSpent {
		return fmt.Errorf("resource %s: %w", op, domain.ErrAlreadySpent)
	}
	r.IsSpent = true
	return nil
}

// Settle marks spent as consumed and, when change is non-nil, appends it as
// a new unspent resource. Both happen under one lock or not at all.
func (l *Ledger) Settle(spent chain.Outpoint, change *Resource) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if change != nil {
		if _, exists := l.index[change.Outpoint]; exists {
			return fmt.Errorf("change resource %s: %w", change.Outpoint, domain.ErrAlreadyExists)
		}
	}
	if err := l.markSpentLocked(spent); err != nil {
		return err
	}
	if change != nil {
		r := *change
		r.IsSpent = false
		r.Script = append([]byte(nil), change.Script...)
		l.resources = append(l.resources, &r)
		l.index[r.Outpoint] = &r
	}
	return nil
}

// TotalBalance sums the unspent amounts.
func (l *Ledger) TotalBalance() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total uint64
	for _, r := range l.resources {
		if !r.IsSpent {
			total += r.Amount
		}
	}
	return total
}

// Len returns the number of tracked resources, spent ones included.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.resources)
}
