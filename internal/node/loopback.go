package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mr-tron/base58/base58"

	"github.com/ashureev/kdapp-runtime/internal/chain"
	"github.com/ashureev/kdapp-runtime/internal/domain"
)

var errBadAddress = errors.New("malformed address")

type acceptedTx struct {
	id      string
	payload []byte
	spent   []UTXO
	created []chain.Outpoint
}

type loopSub struct {
	prefix uint32
	mu     sync.Mutex
	queue  []Notification
	signal chan struct{}
}

func (s *loopSub) push(n Notification) {
	s.mu.Lock()
	s.queue = append(s.queue, n)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *loopSub) drain() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	return q
}

// Loopback is an in-process node. It keeps a UTXO set, checks signatures
// and double spends, and notifies subscribers from their own goroutines so
// Submit never waits on a consumer.
type Loopback struct {
	mu       sync.Mutex
	utxos    map[chain.Outpoint]UTXO
	order    []chain.Outpoint
	history  []acceptedTx
	subs     map[int]*loopSub
	nextSub  int
	sequence uint64
	clock    domain.Clock
	logger   *slog.Logger
}

// LoopbackOption configures a Loopback.
type LoopbackOption func(*Loopback)

// WithLoopbackClock overrides the wall clock.
func WithLoopbackClock(c domain.Clock) LoopbackOption {
	return func(l *Loopback) { l.clock = c }
}

// WithLoopbackLogger sets the logger.
func WithLoopbackLogger(logger *slog.Logger) LoopbackOption {
	return func(l *Loopback) { l.logger = logger }
}

// NewLoopback creates an empty in-process node.
func NewLoopback(opts ...LoopbackOption) *Loopback {
	l := &Loopback{
		utxos:  make(map[chain.Outpoint]UTXO),
		subs:   make(map[int]*loopSub),
		clock:  domain.SystemClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Fund creates a coinbase-style output locked to script.
func (l *Loopback) Fund(script []byte, amount uint64) chain.Outpoint {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sequence++
	op := chain.Outpoint{TxID: fmt.Sprintf("genesis-%d", l.sequence), Index: 0}
	l.addLocked(UTXO{Outpoint: op, Amount: amount, Script: append([]byte(nil), script...)})
	l.logger.Info("Loopback node funded output", "outpoint", op.String(), "amount", amount)
	return op
}

// SpendableResources implements Client.
func (l *Loopback) SpendableResources(_ context.Context, address string) ([]UTXO, error) {
	script, err := scriptFromAddress(address)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var out []UTXO
	for _, op := range l.order {
		u := l.utxos[op]
		if string(u.Script) == string(script) {
			u.Script = append([]byte(nil), u.Script...)
			out = append(out, u)
		}
	}
	return out, nil
}

// Submit implements Client.
func (l *Loopback) Submit(_ context.Context, tx *chain.Transaction) (Receipt, error) {
	if tx == nil || len(tx.Inputs) == 0 {
		return Receipt{}, fmt.Errorf("%w: transaction has no inputs", domain.ErrSubmissionFailed)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	id := tx.ID()
	spent := make([]UTXO, 0, len(tx.Inputs))
	seen := make(map[chain.Outpoint]bool, len(tx.Inputs))
	var in uint64
	for i, input := range tx.Inputs {
		prev := input.Previous
		u, ok := l.utxos[prev]
		if !ok || seen[prev] {
			return Receipt{}, fmt.Errorf("%w: input %s is not spendable", domain.ErrSubmissionFailed, prev)
		}
		if err := chain.VerifyInput(tx, i, u.Script); err != nil {
			return Receipt{}, fmt.Errorf("%w: %w", domain.ErrSubmissionFailed, err)
		}
		seen[prev] = true
		spent = append(spent, u)
		in += u.Amount
	}
	var out uint64
	for _, o := range tx.Outputs {
		out += o.Value
	}
	if out > in {
		return Receipt{}, fmt.Errorf("%w: outputs %d exceed inputs %d", domain.ErrSubmissionFailed, out, in)
	}

	for _, u := range spent {
		l.removeLocked(u.Outpoint)
	}
	created := make([]chain.Outpoint, 0, len(tx.Outputs))
	for i, o := range tx.Outputs {
		op := chain.Outpoint{TxID: id, Index: uint32(i)}
		l.addLocked(UTXO{Outpoint: op, Amount: o.Value, Script: append([]byte(nil), o.Script...)})
		created = append(created, op)
	}
	payload := append([]byte(nil), tx.Payload...)
	l.history = append(l.history, acceptedTx{id: id, payload: payload, spent: spent, created: created})

	l.sequence++
	l.notifyLocked(Notification{Kind: NotificationAccepted, TxID: id, Payload: payload, Sequence: l.sequence})
	l.logger.Debug("Loopback node accepted transaction", "tx_id", id, "inputs", len(spent), "fee", in-out)

	return Receipt{TxID: id, SubmittedAt: l.clock.Now()}, nil
}

// Reorg reverts the last n accepted transactions, newest first, and notifies
// subscribers. It returns how many were reverted.
func (l *Loopback) Reorg(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	reverted := 0
	for reverted < n && len(l.history) > 0 {
		last := l.history[len(l.history)-1]
		l.history = l.history[:len(l.history)-1]

		for _, op := range last.created {
			l.removeLocked(op)
		}
		for _, u := range last.spent {
			l.addLocked(u)
		}
		l.sequence++
		l.notifyLocked(Notification{Kind: NotificationReverted, TxID: last.id, Payload: last.payload, Sequence: l.sequence})
		reverted++
	}
	if reverted > 0 {
		l.logger.Info("Loopback node reorganized", "reverted", reverted)
	}
	return reverted
}

// Subscribe implements Client.
func (l *Loopback) Subscribe(ctx context.Context, prefix uint32) (<-chan Notification, error) {
	sub := &loopSub{prefix: prefix, signal: make(chan struct{}, 1)}

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = sub
	l.mu.Unlock()

	out := make(chan Notification)
	go func() {
		defer close(out)
		defer func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
		}()
		for {
			select {
			case <-sub.signal:
			case <-ctx.Done():
				return
			}
			for _, n := range sub.drain() {
				select {
				case out <- n:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Subscribers returns the number of open subscriptions.
func (l *Loopback) Subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

func (l *Loopback) notifyLocked(n Notification) {
	prefix, ok := chain.PayloadPrefix(n.Payload)
	if !ok {
		return
	}
	for _, sub := range l.subs {
		if sub.prefix == prefix {
			sub.push(n)
		}
	}
}

func (l *Loopback) addLocked(u UTXO) {
	if _, exists := l.utxos[u.Outpoint]; !exists {
		l.order = append(l.order, u.Outpoint)
	}
	l.utxos[u.Outpoint] = u
}

func (l *Loopback) removeLocked(op chain.Outpoint) {
	delete(l.utxos, op)
	for i, o := range l.order {
		if o == op {
			l.order = append(l.order[:i], l.order[i+1:]...)
			return
		}
	}
}

// scriptFromAddress reverses chain.Address.
func scriptFromAddress(address string) ([]byte, error) {
	_, encoded, ok := strings.Cut(address, ":")
	if !ok || encoded == "" {
		return nil, fmt.Errorf("%w: %q", errBadAddress, address)
	}
	script, err := base58.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errBadAddress, err)
	}
	return script, nil
}

var _ Client = (*Loopback)(nil)
