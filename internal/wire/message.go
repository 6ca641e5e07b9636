// Package wire implements the tagged-union message set that crosses the
// relay (spec.md §6): a length-delimited frame (internal/codec) carrying
// one tag byte and a canonically encoded body, the same encoding used for
// block/transaction hashing, modulo the outer envelope.
package wire

import (
	"fmt"

	"github.com/posforge/posforge/internal/chain"
	"github.com/posforge/posforge/internal/codec"
)

// Tag identifies which concrete message type a frame carries.
type Tag byte

const (
	TagHello Tag = iota + 1
	TagBye
	TagTransaction
	TagBlock
	TagSyncRequest
	TagSyncResponse
	TagStep
	TagBlockVote
)

func (t Tag) String() string {
	switch t {
	case TagHello:
		return "HELLO"
	case TagBye:
		return "BYE"
	case TagTransaction:
		return "TRANSACTION"
	case TagBlock:
		return "BLOCK"
	case TagSyncRequest:
		return "SYNC_REQUEST"
	case TagSyncResponse:
		return "SYNC_RESPONSE"
	case TagStep:
		return "STEP"
	case TagBlockVote:
		return "BLOCK_VOTE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

// Message is any value that can cross the wire (spec.md §6's wire table).
type Message interface {
	Tag() Tag
}

// Hello announces a sender's id on connect: node → relay.
type Hello struct{ SenderID string }

func (Hello) Tag() Tag { return TagHello }

// Bye announces disconnection: node → relay.
type Bye struct{ SenderID string }

func (Bye) Tag() Tag { return TagBye }

// TransactionMsg carries a single transaction: node ↔ nodes.
type TransactionMsg struct{ Tx chain.Transaction }

func (TransactionMsg) Tag() Tag { return TagTransaction }

// BlockMsg carries a single block: node ↔ nodes.
type BlockMsg struct{ Block *chain.Block }

func (BlockMsg) Tag() Tag { return TagBlock }

// SyncRequest has no payload: node → nodes.
type SyncRequest struct{}

func (SyncRequest) Tag() Tag { return TagSyncRequest }

// SyncResponse carries an ordered chain from genesis to the responder's
// head: node → requesting node. The relay only fans out, so addressing
// is by convention: every consensus.Node whose sync window is not open
// discards SyncResponse frames it did not ask for (see internal/consensus
// and DESIGN.md's Open Question decision).
type SyncResponse struct{ Blocks []*chain.Block }

func (SyncResponse) Tag() Tag { return TagSyncResponse }

// Step has no payload: relay → all nodes.
type Step struct{}

func (Step) Tag() Tag { return TagStep }

// BlockVote carries a single vote: node ↔ nodes.
type BlockVote struct {
	VoterID   string
	BlockHash string
}

func (BlockVote) Tag() Tag { return TagBlockVote }

// Encode renders msg into its canonical body bytes (not yet frame-wrapped;
// Conn.Send in internal/transport adds the length-prefix + tag envelope
// via codec.WriteFrame).
func Encode(msg Message) ([]byte, error) {
	w := codec.NewWriter()
	switch m := msg.(type) {
	case Hello:
		w.WriteString(m.SenderID)
	case Bye:
		w.WriteString(m.SenderID)
	case TransactionMsg:
		w.WriteBytes(m.Tx.CanonicalBytes())
	case BlockMsg:
		w.WriteBytes(m.Block.CanonicalBytes())
	case SyncRequest:
		// no payload
	case SyncResponse:
		w.WriteUint64(uint64(len(m.Blocks)))
		for _, b := range m.Blocks {
			w.WriteBytes(b.CanonicalBytes())
		}
	case Step:
		// no payload
	case BlockVote:
		w.WriteString(m.VoterID).WriteString(m.BlockHash)
	default:
		return nil, fmt.Errorf("wire: unknown message type %T", msg)
	}
	return w.Bytes(), nil
}

// Decode reconstructs a Message from a frame's tag and body. Blocks
// decoded here are reconstructed purely from their canonical fields, so
// Block.Hash() recomputed on the receiving side is always consistent
// with the sender's — there is no separately transmitted hash to forge
// against (see DESIGN.md's note on invariant B1).
func Decode(tag byte, body []byte) (Message, error) {
	r := codec.NewReader(body)
	switch Tag(tag) {
	case TagHello:
		id, err := r.ReadString()
		return Hello{SenderID: id}, err
	case TagBye:
		id, err := r.ReadString()
		return Bye{SenderID: id}, err
	case TagTransaction:
		raw, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		tx, err := decodeTransaction(raw)
		return TransactionMsg{Tx: tx}, err
	case TagBlock:
		raw, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		b, err := decodeBlock(raw)
		return BlockMsg{Block: b}, err
	case TagSyncRequest:
		return SyncRequest{}, nil
	case TagSyncResponse:
		n, err := r.ReadUint64()
		if err != nil {
			return nil, err
		}
		blocks := make([]*chain.Block, 0, n)
		for i := uint64(0); i < n; i++ {
			raw, err := r.ReadBytes()
			if err != nil {
				return nil, err
			}
			b, err := decodeBlock(raw)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, b)
		}
		return SyncResponse{Blocks: blocks}, nil
	case TagStep:
		return Step{}, nil
	case TagBlockVote:
		voter, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		hash, err := r.ReadString()
		return BlockVote{VoterID: voter, BlockHash: hash}, err
	default:
		return nil, fmt.Errorf("wire: unknown tag %d", tag)
	}
}

// decodeTransaction and decodeBlock invert chain.Transaction/Block's
// CanonicalBytes field order exactly (sender, receiver, amount,
// timestamp, kind) and (index, prev_hash, validator, txs, timestamp).
func decodeTransaction(body []byte) (chain.Transaction, error) {
	r := codec.NewReader(body)
	sender, err := r.ReadString()
	if err != nil {
		return chain.Transaction{}, err
	}
	receiver, err := r.ReadString()
	if err != nil {
		return chain.Transaction{}, err
	}
	amount, err := r.ReadFloat64()
	if err != nil {
		return chain.Transaction{}, err
	}
	timestamp, err := r.ReadFloat64()
	if err != nil {
		return chain.Transaction{}, err
	}
	kind, err := r.ReadByte()
	if err != nil {
		return chain.Transaction{}, err
	}
	return chain.NewTransaction(sender, receiver, amount, timestamp, chain.Kind(kind)), nil
}

func decodeBlock(body []byte) (*chain.Block, error) {
	r := codec.NewReader(body)
	index, err := r.ReadInt64()
	if err != nil {
		return nil, err
	}
	prevHash, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	validator, err := r.ReadString()
	if err != nil {
		return nil, err
	}
	txsRaw, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	timestamp, err := r.ReadFloat64()
	if err != nil {
		return nil, err
	}
	txs, err := decodeTxs(txsRaw)
	if err != nil {
		return nil, err
	}
	return chain.NewBlock(index, prevHash, validator, txs, timestamp), nil
}

func decodeTxs(body []byte) (chain.Txs, error) {
	r := codec.NewReader(body)
	n, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	out := make(chain.Txs, 0, n)
	for i := uint64(0); i < n; i++ {
		raw, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		tx, err := decodeTransaction(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}
