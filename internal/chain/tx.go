package chain

import (
	"crypto/sha256"
	"fmt"

	"github.com/posforge/posforge/internal/codec"
)

// Kind distinguishes the three transaction operations spec.md §3 defines.
type Kind uint8

const (
	Transfer Kind = iota
	Stake
	Unstake
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Transfer:
		return "TRANSFER"
	case Stake:
		return "STAKE"
	case Unstake:
		return "UNSTAKE"
	default:
		return "UNKNOWN"
	}
}

// Transaction is an immutable value. Identity is (sender, receiver, amount,
// timestamp, kind) — two transactions with equal identity are the same item
// to the mempool (spec.md §3).
type Transaction struct {
	sender    string
	receiver  string
	amount    float64
	timestamp float64
	kind      Kind
}

// NewTransaction constructs a Transaction. timestamp is a caller-supplied
// wall-clock value (float64 seconds) so tests can control identity exactly.
func NewTransaction(sender, receiver string, amount, timestamp float64, kind Kind) Transaction {
	return Transaction{
		sender:    sender,
		receiver:  receiver,
		amount:    amount,
		timestamp: timestamp,
		kind:      kind,
	}
}

func (t Transaction) Sender() string    { return t.sender }
func (t Transaction) Receiver() string  { return t.receiver }
func (t Transaction) Amount() float64   { return t.amount }
func (t Transaction) Timestamp() float64 { return t.timestamp }
func (t Transaction) Kind() Kind        { return t.kind }

// CanonicalBytes is the fixed encoding used both for hashing and for wire
// transmission (spec.md §4.1, §6).
func (t Transaction) CanonicalBytes() []byte {
	w := codec.NewWriter()
	w.WriteString(t.sender).
		WriteString(t.receiver).
		WriteFloat64(t.amount).
		WriteFloat64(t.timestamp).
		WriteByte(byte(t.kind))
	return w.Bytes()
}

// ID is the transaction's identity hash, used for mempool dedup.
func (t Transaction) ID() [32]byte {
	return sha256.Sum256(t.CanonicalBytes())
}

// String is a short diagnostic representation.
func (t Transaction) String() string {
	return fmt.Sprintf("%s{%s->%s %.4f @%.6f}", t.kind, t.sender, t.receiver, t.amount, t.timestamp)
}

// Txs is an ordered list of transactions; order is significant for replay.
type Txs []Transaction

// CanonicalBytes concatenates each tx's canonical bytes in order, each
// length-prefixed so the encoding stays unambiguous.
func (txs Txs) CanonicalBytes() []byte {
	w := codec.NewWriter()
	w.WriteUint64(uint64(len(txs)))
	for _, tx := range txs {
		w.WriteBytes(tx.CanonicalBytes())
	}
	return w.Bytes()
}

// IDSet returns the identity hashes of every tx in the list.
func (txs Txs) IDSet() map[[32]byte]bool {
	out := make(map[[32]byte]bool, len(txs))
	for _, tx := range txs {
		out[tx.ID()] = true
	}
	return out
}
