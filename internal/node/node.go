// Package node talks to the network node that stores resources, accepts
// transactions and reports accepted episode payloads.
package node

import (
	"context"
	"time"

	"github.com/ashureev/kdapp-runtime/internal/chain"
)

// UTXO is a spendable output as reported by the node.
type UTXO struct {
	Outpoint chain.Outpoint `json:"outpoint"`
	Amount   uint64         `json:"amount"`
	Script   []byte         `json:"script"`
}

// Receipt acknowledges a submitted transaction.
type Receipt struct {
	TxID        string    `json:"tx_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// NotificationKind tells whether a transaction entered or left the chain.
type NotificationKind string

const (
	NotificationAccepted NotificationKind = "accepted"
	NotificationReverted NotificationKind = "reverted"
)

// Notification reports one transaction whose payload matched a subscription.
type Notification struct {
	Kind     NotificationKind `json:"kind"`
	TxID     string           `json:"tx_id"`
	Payload  []byte           `json:"payload"`
	Sequence uint64           `json:"sequence"`
}

// Client is the node capability used by the runtime.
type Client interface {
	// SpendableResources lists unspent outputs locked to address.
	SpendableResources(ctx context.Context, address string) ([]UTXO, error)

	// Submit hands a signed transaction to the network.
	Submit(ctx context.Context, tx *chain.Transaction) (Receipt, error)

	// Subscribe streams notifications for transactions whose payload carries
	// prefix. The channel is closed when ctx is done or the stream breaks.
	Subscribe(ctx context.Context, prefix uint32) (<-chan Notification, error)
}
