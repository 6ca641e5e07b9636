// Package election implements the deterministic stake-weighted validator
// pick of spec.md §4.5. The same head hash must yield the same winner on
// every peer, so the only randomness involved is a PRNG seeded from the
// head hash — never from the process clock or crypto/rand.
package election

import (
	"errors"
	"math/rand"
	"sort"
	"strconv"

	"github.com/posforge/posforge/internal/wallet"
)

// ErrNoValidators is returned when the weighted candidate list is empty
// (no staked accounts and no positive balances either).
var ErrNoValidators = errors.New("election: no eligible validators")

// Elect deterministically picks a winner from candidates, seeded by
// headHash. candidates is expected to already carry the spec.md §4.5 step
// 1 fallback (wallet.Ledger.ElectionWeights applies it); Elect only sorts,
// seeds, and draws.
func Elect(candidates []wallet.WeightedID, headHash string) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoValidators
	}

	sorted := make([]wallet.WeightedID, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var total float64
	for _, c := range sorted {
		total += c.Weight
	}
	if total <= 0 {
		return "", ErrNoValidators
	}

	rnd := rand.New(rand.NewSource(seedFromHash(headHash)))
	draw := rnd.Float64() * total

	var cumulative float64
	for _, c := range sorted {
		cumulative += c.Weight
		if draw < cumulative {
			return c.ID, nil
		}
	}
	// floating point edge case: draw landed exactly on total: award to the
	// last candidate rather than falling through with no winner.
	return sorted[len(sorted)-1].ID, nil
}

// seedFromHash derives a PRNG seed from the leading hex digits of a block
// hash (spec.md §4.5 step 2). headHash shorter than 16 hex chars is padded
// with zeros so short test fixtures still seed deterministically.
func seedFromHash(headHash string) int64 {
	prefix := headHash
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	for len(prefix) < 16 {
		prefix += "0"
	}
	seed, err := strconv.ParseUint(prefix, 16, 64)
	if err != nil {
		// headHash wasn't valid hex (e.g. a non-hex placeholder in a test
		// fixture) — fall back to a fixed seed so election is still
		// deterministic, just not dependent on the (absent) hash.
		return 0
	}
	return int64(seed)
}
