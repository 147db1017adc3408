// Package chain holds the transaction primitives exchanged with the node:
// outpoints, transactions, their deterministic wire encoding and hashes.
package chain

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"google.golang.org/protobuf/encoding/protowire"
)

// TxVersion is the only transaction version produced.
const TxVersion = 0

// Outpoint identifies one transaction output.
type Outpoint struct {
	TxID  string `json:"tx_id"`
	Index uint32 `json:"index"`
}

func (o Outpoint) String() string {
	return fmt.Sprintf("%s:%d", o.TxID, o.Index)
}

// Input spends a previous output.
type Input struct {
	Previous  Outpoint `json:"previous"`
	Sequence  uint64   `json:"sequence"`
	Signature []byte   `json:"signature,omitempty"`
	PublicKey []byte   `json:"public_key,omitempty"`
}

// Output locks value to a script.
type Output struct {
	Value  uint64 `json:"value"`
	Script []byte `json:"script"`
}

// Transaction carries an episode payload funded by its inputs.
type Transaction struct {
	Version  uint32   `json:"version"`
	Inputs   []Input  `json:"inputs"`
	Outputs  []Output `json:"outputs"`
	LockTime uint64   `json:"lock_time"`
	Payload  []byte   `json:"payload"`
}

const (
	txFieldVersion  protowire.Number = 1
	txFieldInput    protowire.Number = 2
	txFieldOutput   protowire.Number = 3
	txFieldLockTime protowire.Number = 4
	txFieldPayload  protowire.Number = 5

	inFieldPrevTxID  protowire.Number = 1
	inFieldPrevIndex protowire.Number = 2
	inFieldSequence  protowire.Number = 3
	inFieldSignature protowire.Number = 4
	inFieldPublicKey protowire.Number = 5

	outFieldValue  protowire.Number = 1
	outFieldScript protowire.Number = 2
)

// Encode returns the full wire encoding, signatures included.
func (tx *Transaction) Encode() []byte {
	return tx.encode(true)
}

// SigHash is the digest every input signs: the encoding without signatures.
func (tx *Transaction) SigHash() [32]byte {
	return blake2b.Sum256(tx.encode(false))
}

// ID is the hex transaction id. It does not depend on signatures, so it is
// known before signing.
func (tx *Transaction) ID() string {
	h := tx.SigHash()
	return hex.EncodeToString(h[:])
}

func (tx *Transaction) encode(withSignatures bool) []byte {
	var b []byte
	b = protowire.AppendTag(b, txFieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(tx.Version))
	for _, in := range tx.Inputs {
		b = protowire.AppendTag(b, txFieldInput, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeInput(in, withSignatures))
	}
	for _, out := range tx.Outputs {
		b = protowire.AppendTag(b, txFieldOutput, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeOutput(out))
	}
	b = protowire.AppendTag(b, txFieldLockTime, protowire.VarintType)
	b = protowire.AppendVarint(b, tx.LockTime)
	b = protowire.AppendTag(b, txFieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, tx.Payload)
	return b
}

func encodeInput(in Input, withSignatures bool) []byte {
	var b []byte
	b = protowire.AppendTag(b, inFieldPrevTxID, protowire.BytesType)
	b = protowire.AppendString(b, in.Previous.TxID)
	b = protowire.AppendTag(b, inFieldPrevIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(in.Previous.Index))
	b = protowire.AppendTag(b, inFieldSequence, protowire.VarintType)
	b = protowire.AppendVarint(b, in.Sequence)
	if withSignatures {
		b = protowire.AppendTag(b, inFieldSignature, protowire.BytesType)
		b = protowire.AppendBytes(b, in.Signature)
	}
	// The public key is committed to by the sighash.
	b = protowire.AppendTag(b, inFieldPublicKey, protowire.BytesType)
	b = protowire.AppendBytes(b, in.PublicKey)
	return b
}

func encodeOutput(out Output) []byte {
	var b []byte
	b = protowire.AppendTag(b, outFieldValue, protowire.VarintType)
	b = protowire.AppendVarint(b, out.Value)
	b = protowire.AppendTag(b, outFieldScript, protowire.BytesType)
	b = protowire.AppendBytes(b, out.Script)
	return b
}

// DecodeTransaction parses the wire encoding produced by Encode.
func DecodeTransaction(b []byte) (*Transaction, error) {
	tx := &Transaction{}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch num {
		case txFieldVersion:
			tx.Version = uint32(n)
		case txFieldInput:
			in, err := decodeInput(v)
			if err != nil {
				return err
			}
			tx.Inputs = append(tx.Inputs, in)
		case txFieldOutput:
			out, err := decodeOutput(v)
			if err != nil {
				return err
			}
			tx.Outputs = append(tx.Outputs, out)
		case txFieldLockTime:
			tx.LockTime = n
		case txFieldPayload:
			tx.Payload = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return tx, nil
}

func decodeInput(b []byte) (Input, error) {
	var in Input
	err := walkFields(b, func(num protowire.Number, _ protowire.Type, v []byte, n uint64) error {
		switch num {
		case inFieldPrevTxID:
			in.Previous.TxID = string(v)
		case inFieldPrevIndex:
			in.Previous.Index = uint32(n)
		case inFieldSequence:
			in.Sequence = n
		case inFieldSignature:
			in.Signature = append([]byte(nil), v...)
		case inFieldPublicKey:
			in.PublicKey = append([]byte(nil), v...)
		}
		return nil
	})
	return in, err
}

func decodeOutput(b []byte) (Output, error) {
	var out Output
	err := walkFields(b, func(num protowire.Number, _ protowire.Type, v []byte, n uint64) error {
		switch num {
		case outFieldValue:
			out.Value = n
		case outFieldScript:
			out.Script = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// walkFields visits every varint and bytes field of a flat message.
// Other wire types are skipped.
func walkFields(b []byte, visit func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return protowire.ParseError(tagLen)
		}
		b = b[tagLen:]

		switch typ {
		case protowire.VarintType:
			n, l := protowire.ConsumeVarint(b)
			if l < 0 {
				return protowire.ParseError(l)
			}
			if err := visit(num, typ, nil, n); err != nil {
				return err
			}
			b = b[l:]
		case protowire.BytesType:
			v, l := protowire.ConsumeBytes(b)
			if l < 0 {
				return protowire.ParseError(l)
			}
			if err := visit(num, typ, v, 0); err != nil {
				return err
			}
			b = b[l:]
		default:
			l := protowire.ConsumeFieldValue(num, typ, b)
			if l < 0 {
				return protowire.ParseError(l)
			}
			b = b[l:]
		}
	}
	return nil
}
