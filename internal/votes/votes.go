// Package votes implements the optional vote-confirmation sub-protocol of
// spec.md §4.8: nodes vote on a pending block before it is installed as
// head, and a quorum of distinct voters triggers acceptance. Grounded on
// 1170300606-obrs/types/{vote,quorum,commit}.go's Vote/Quorum shape, with
// every signature/BLS-aggregation field stripped — cryptographic
// signature verification is explicitly out of scope (spec.md §1).
package votes

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrDuplicateVote is returned for a second vote from the same voter on
// the same block — absorbed silently by callers per spec.md §7.
var ErrDuplicateVote = errors.New("votes: duplicate vote from this voter")

// Quorum implements spec.md §4.8's quorum size: the smallest integer
// count meeting threshold t of n known validators.
func Quorum(threshold float64, knownValidators int) int {
	return int(math.Ceil(threshold * float64(knownValidators)))
}

type pendingEntry struct {
	voters map[string]bool
	timer  *time.Timer
}

// Tracker holds, per pending block hash, the distinct voter ids seen so
// far, plus a short-lived buffer for votes that arrive before the block
// itself does (spec.md §4.8: "buffered briefly and dropped").
type Tracker struct {
	mu        sync.Mutex
	threshold float64
	bufferTTL time.Duration
	pending   map[string]*pendingEntry
	buffered  map[string][]string
}

// NewTracker returns an empty tracker voting at the given threshold
// (e.g. 0.5 for a simple majority), buffering out-of-order votes for
// bufferTTL before dropping them.
func NewTracker(threshold float64, bufferTTL time.Duration) *Tracker {
	return &Tracker{
		threshold: threshold,
		bufferTTL: bufferTTL,
		pending:   make(map[string]*pendingEntry),
		buffered:  make(map[string][]string),
	}
}

// Register starts tracking blockHash as pending, replaying any votes
// that were buffered for it before this call, and arranges for onExpire
// to run once after timeout if quorum is never reached. It reports
// whether quorum was already met by the replayed buffered votes.
func (t *Tracker) Register(blockHash string, timeout time.Duration, knownValidators int, onExpire func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[blockHash]; exists {
		return false
	}

	entry := &pendingEntry{voters: make(map[string]bool)}
	for _, voterID := range t.buffered[blockHash] {
		entry.voters[voterID] = true
	}
	delete(t.buffered, blockHash)

	if onExpire != nil {
		entry.timer = time.AfterFunc(timeout, onExpire)
	}
	t.pending[blockHash] = entry

	return len(entry.voters) >= Quorum(t.threshold, knownValidators)
}

// Cast records a vote from voterID for blockHash. If blockHash is not
// yet registered, the vote is buffered (spec.md §4.8) rather than
// rejected, since the block may simply not have arrived yet. It reports
// whether the vote just pushed the tally to quorum.
func (t *Tracker) Cast(voterID, blockHash string, knownValidators int) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.pending[blockHash]
	if !ok {
		for _, v := range t.buffered[blockHash] {
			if v == voterID {
				return false, ErrDuplicateVote
			}
		}
		t.buffered[blockHash] = append(t.buffered[blockHash], voterID)
		if t.bufferTTL > 0 {
			time.AfterFunc(t.bufferTTL, func() { t.dropBuffered(blockHash, voterID) })
		}
		return false, nil
	}

	if entry.voters[voterID] {
		return false, ErrDuplicateVote
	}
	entry.voters[voterID] = true
	return len(entry.voters) >= Quorum(t.threshold, knownValidators), nil
}

func (t *Tracker) dropBuffered(blockHash, voterID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	votes := t.buffered[blockHash]
	for i, v := range votes {
		if v == voterID {
			t.buffered[blockHash] = append(votes[:i], votes[i+1:]...)
			break
		}
	}
	if len(t.buffered[blockHash]) == 0 {
		delete(t.buffered, blockHash)
	}
}

// Expire drops a pending entry on timeout (spec.md §4.8), stopping its
// timer so it cannot fire again.
func (t *Tracker) Expire(blockHash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.pending[blockHash]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(t.pending, blockHash)
	}
}

// VoterCount returns how many distinct voters are currently tallied for
// blockHash (0 if unknown).
func (t *Tracker) VoterCount(blockHash string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.pending[blockHash]; ok {
		return len(e.voters)
	}
	return 0
}
