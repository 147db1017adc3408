package chain

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultPrefix tags payloads addressed to this runtime. The node only
// reports transactions whose payload carries it.
const DefaultPrefix uint32 = 858598618

// MaxCommandSize bounds the command bytes carried by one payload.
const MaxCommandSize = 16 * 1024

// PayloadKind distinguishes the two on-chain episode messages.
type PayloadKind uint8

const (
	// PayloadNewEpisode initializes an episode with its participants.
	PayloadNewEpisode PayloadKind = 1
	// PayloadCommand applies one command to an episode.
	PayloadCommand PayloadKind = 2
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadNewEpisode:
		return "new_episode"
	case PayloadCommand:
		return "command"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	errPrefixMismatch = errors.New("payload prefix mismatch")
	errEmptyEpisodeID = errors.New("payload episode id is empty")
)

// Payload is the episode message embedded in a transaction.
type Payload struct {
	Prefix       uint32
	Kind         PayloadKind
	EpisodeID    string
	Command      []byte
	Participants [][]byte
}

const (
	plFieldPrefix      protowire.Number = 1
	plFieldKind        protowire.Number = 2
	plFieldEpisodeID   protowire.Number = 3
	plFieldCommand     protowire.Number = 4
	plFieldParticipant protowire.Number = 5
)

// Encode validates and serializes the payload.
func (p Payload) Encode() ([]byte, error) {
	if p.EpisodeID == "" {
		return nil, errEmptyEpisodeID
	}
	switch p.Kind {
	case PayloadCommand:
		if len(p.Command) == 0 {
			return nil, errors.New("command payload is empty")
		}
		if len(p.Command) > MaxCommandSize {
			return nil, fmt.Errorf("command is %d bytes, limit is %d", len(p.Command), MaxCommandSize)
		}
	case PayloadNewEpisode:
		if len(p.Participants) == 0 {
			return nil, errors.New("new episode payload has no participants")
		}
	default:
		return nil, fmt.Errorf("unsupported payload %s", p.Kind)
	}

	var b []byte
	b = protowire.AppendTag(b, plFieldPrefix, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Prefix))
	b = protowire.AppendTag(b, plFieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Kind))
	b = protowire.AppendTag(b, plFieldEpisodeID, protowire.BytesType)
	b = protowire.AppendString(b, p.EpisodeID)
	if len(p.Command) > 0 {
		b = protowire.AppendTag(b, plFieldCommand, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Command)
	}
	for _, key := range p.Participants {
		b = protowire.AppendTag(b, plFieldParticipant, protowire.BytesType)
		b = protowire.AppendBytes(b, key)
	}
	return b, nil
}

// DecodePayload parses a payload and checks it carries prefix.
func DecodePayload(b []byte, prefix uint32) (Payload, error) {
	var p Payload
	err := walkFields(b, func(num protowire.Number, _ protowire.Type, v []byte, n uint64) error {
		switch num {
		case plFieldPrefix:
			p.Prefix = uint32(n)
		case plFieldKind:
			p.Kind = PayloadKind(n)
		case plFieldEpisodeID:
			p.EpisodeID = string(v)
		case plFieldCommand:
			p.Command = append([]byte(nil), v...)
		case plFieldParticipant:
			p.Participants = append(p.Participants, append([]byte(nil), v...))
		}
		return nil
	})
	if err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	if p.Prefix != prefix {
		return Payload{}, errPrefixMismatch
	}
	if p.EpisodeID == "" {
		return Payload{}, errEmptyEpisodeID
	}
	return p, nil
}

// PayloadPrefix extracts only the prefix, so the node can filter cheaply.
func PayloadPrefix(b []byte) (uint32, bool) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 || num != plFieldPrefix || typ != protowire.VarintType {
		return 0, false
	}
	v, l := protowire.ConsumeVarint(b[n:])
	if l < 0 {
		return 0, false
	}
	return uint32(v), true
}
