// Package wallet builds, signs and submits episode transactions, funding
// each from the resource ledger and chaining its change output back in.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/kdapp-runtime/internal/chain"
	"github.com/ashureev/kdapp-runtime/internal/domain"
	"github.com/ashureev/kdapp-runtime/internal/ledger"
	"github.com/ashureev/kdapp-runtime/internal/node"
)

// DefaultFee is the fixed fee subtracted from every funding resource.
const DefaultFee uint64 = 5000

// Pipeline stages reported to the Observer on failure.
const (
	StageAdmission = "admission"
	StageSelect    = "select"
	StageEncode    = "encode"
	StageSign      = "sign"
	StageSubmit    = "submit"
)

// Admitter approves operations per session.
type Admitter interface {
	CheckAndConsumeOperation(session string) error
}

// Observer receives pipeline outcomes.
type Observer interface {
	TransactionSubmitted(kind string)
	TransactionFailed(stage string)
	LedgerBalance(total uint64)
}

// Config holds the numeric policy of the wallet.
type Config struct {
	Fee     uint64
	Network string
	Prefix  uint32
}

// Wallet is the single owner of the signing key. One mutex covers the whole
// select, sign, submit and settle sequence, so two submissions never fund
// themselves from the same resource.
type Wallet struct {
	mu        sync.Mutex
	ledger    *ledger.Ledger
	node      node.Client
	signer    *chain.Signer
	admission Admitter
	cfg       Config
	address   string
	observer  Observer
	logger    *slog.Logger
}

// Option configures a Wallet.
type Option func(*Wallet)

// WithObserver registers an outcome observer.
func WithObserver(o Observer) Option {
	return func(w *Wallet) { w.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Wallet) { w.logger = l }
}

// New creates a wallet.
func New(l *ledger.Ledger, client node.Client, signer *chain.Signer, admission Admitter, cfg Config, opts ...Option) *Wallet {
	if cfg.Prefix == 0 {
		cfg.Prefix = chain.DefaultPrefix
	}
	w := &Wallet{
		ledger:    l,
		node:      client,
		signer:    signer,
		admission: admission,
		cfg:       cfg,
		logger:    slog.Default(),
	}
	if signer != nil {
		w.address = chain.Address(signer.PublicKey(), cfg.Network)
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Address returns the wallet's receive address.
func (w *Wallet) Address() string {
	return w.address
}

// PublicKey returns the signing public key.
func (w *Wallet) PublicKey() []byte {
	return w.signer.PublicKey()
}

// Balance returns the unspent total known to the ledger.
func (w *Wallet) Balance() uint64 {
	return w.ledger.TotalBalance()
}

// Available returns the unspent resources in selection order.
func (w *Wallet) Available() []ledger.Resource {
	return w.ledger.Available()
}

// Fee returns the configured fee.
func (w *Wallet) Fee() uint64 {
	return w.cfg.Fee
}

// BuildAndSubmit submits command for episodeID on behalf of session. Quota
// is consumed only once a resource is selected and the payload encodes, so
// an empty wallet or a malformed command costs the session nothing.
func (w *Wallet) BuildAndSubmit(ctx context.Context, episodeID string, command []byte, session string) (node.Receipt, error) {
	return w.submit(ctx, chain.Payload{
		Kind:      chain.PayloadCommand,
		EpisodeID: episodeID,
		Command:   command,
	}, func() error {
		return w.admission.CheckAndConsumeOperation(session)
	})
}

// BuildEpisodeInitialization submits the on-chain creation of episodeID.
// It is an administrative path and skips admission.
func (w *Wallet) BuildEpisodeInitialization(ctx context.Context, episodeID string, participants [][]byte) (node.Receipt, error) {
	return w.submit(ctx, chain.Payload{
		Kind:         chain.PayloadNewEpisode,
		EpisodeID:    episodeID,
		Participants: participants,
	}, nil)
}

// submit runs the pipeline. admit, when set, is called after selection and
// encoding and before signing.
func (w *Wallet) submit(ctx context.Context, p chain.Payload, admit func() error) (node.Receipt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	res, err := w.ledger.Select()
	if err != nil {
		w.failed(StageSelect)
		return node.Receipt{}, err
	}

	p.Prefix = w.cfg.Prefix
	payload, err := p.Encode()
	if err != nil {
		w.failed(StageEncode)
		return node.Receipt{}, fmt.Errorf("%w: %w", domain.ErrEncodingFailed, err)
	}

	if admit != nil {
		if err := admit(); err != nil {
			w.failed(StageAdmission)
			return node.Receipt{}, err
		}
	}

	tx := &chain.Transaction{
		Version: chain.TxVersion,
		Inputs:  []chain.Input{{Previous: res.Outpoint}},
		Payload: payload,
	}
	// Change is omitted when the fee consumes the whole resource.
	if res.Amount > w.cfg.Fee {
		tx.Outputs = []chain.Output{{Value: res.Amount - w.cfg.Fee, Script: w.signer.Script()}}
	}

	if err := chain.SignInputs(tx, w.signer); err != nil {
		w.failed(StageSign)
		return node.Receipt{}, fmt.Errorf("%w: %w", domain.ErrSigningFailed, err)
	}

	receipt, err := w.node.Submit(ctx, tx)
	if err != nil {
		w.failed(StageSubmit)
		w.logger.Warn("Transaction submission failed",
			"episode_id", p.EpisodeID,
			"kind", p.Kind.String(),
			"outpoint", res.Outpoint.String(),
			"error", err)
		if errors.Is(err, domain.ErrSubmissionFailed) {
			return node.Receipt{}, err
		}
		return node.Receipt{}, fmt.Errorf("%w: %w", domain.ErrSubmissionFailed, err)
	}

	var change *ledger.Resource
	if len(tx.Outputs) > 0 {
		change = &ledger.Resource{
			Outpoint: chain.Outpoint{TxID: tx.ID(), Index: 0},
			Amount:   tx.Outputs[0].Value,
			Script:   tx.Outputs[0].Script,
		}
	}
	if err := w.ledger.Settle(res.Outpoint, change); err != nil {
		// The node accepted the transaction; the next refresh resynchronizes.
		w.logger.Error("Failed to settle ledger after submission",
			"tx_id", receipt.TxID,
			"outpoint", res.Outpoint.String(),
			"error", err)
	}

	w.logger.Info("Transaction submitted",
		"tx_id", receipt.TxID,
		"episode_id", p.EpisodeID,
		"kind", p.Kind.String(),
		"spent", res.Outpoint.String(),
		"change", change != nil)
	if w.observer != nil {
		w.observer.TransactionSubmitted(p.Kind.String())
		w.observer.LedgerBalance(w.ledger.TotalBalance())
	}
	return receipt, nil
}

// Refresh reloads the ledger from the node.
func (w *Wallet) Refresh(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	utxos, err := w.node.SpendableResources(ctx, w.address)
	if err != nil {
		return fmt.Errorf("refresh resources for %s: %w", w.address, err)
	}
	resources := make([]ledger.Resource, 0, len(utxos))
	for _, u := range utxos {
		resources = append(resources, ledger.Resource{Outpoint: u.Outpoint, Amount: u.Amount, Script: u.Script})
	}
	w.ledger.Refresh(resources)

	if w.observer != nil {
		w.observer.LedgerBalance(w.ledger.TotalBalance())
	}
	w.logger.Debug("Ledger refreshed", "resources", len(resources), "address", w.address)
	return nil
}

// StartRefresher refreshes the ledger every interval until ctx is done.
func (w *Wallet) StartRefresher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		w.logger.Info("Ledger refresher started", "interval", interval, "address", w.address)
		for {
			select {
			case <-ticker.C:
				if err := w.Refresh(ctx); err != nil {
					w.logger.Warn("Ledger refresh failed", "error", err)
				}
			case <-ctx.Done():
				w.logger.Info("Ledger refresher shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (w *Wallet) failed(stage string) {
	if w.observer != nil {
		w.observer.TransactionFailed(stage)
	}
}
