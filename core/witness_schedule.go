package core

import (
	"crypto/sha256"
	"fmt"
	"sort"
)

// WitnessSchedule computes the deterministic per-epoch shuffled witness
// slate described in spec.md §4.L.
type WitnessSchedule struct {
	slots int
}

// NewWitnessSchedule builds a schedule producing a slate of size W
// (spec.md calls this "witnesses", the configured active slate size).
func NewWitnessSchedule(w int) *WitnessSchedule {
	return &WitnessSchedule{slots: w}
}

// EpochSeedBlock rounds blockID down to the nearest multiple of the
// slate size, the fixed periodic block spec.md §4.L derives the
// shuffle seed from.
func (ws *WitnessSchedule) EpochSeedBlock(blockID int64) int64 {
	if ws.slots <= 0 {
		return blockID
	}
	return blockID - blockID%int64(ws.slots)
}

// Rotate returns the ordered shuffle of the top-W weighted witnesses
// for the epoch whose seed is derived from seedBlockHash. Ties in
// weight are broken by name ascending before the deterministic
// hash-based shuffle is applied, matching spec.md's tie-break rule.
func (ws *WitnessSchedule) Rotate(seedBlockHash string, candidates []WitnessRecord) []WitnessRecord {
	sorted := make([]WitnessRecord, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Weight != sorted[j].Weight {
			return sorted[i].Weight > sorted[j].Weight
		}
		return sorted[i].Name < sorted[j].Name
	})

	top := sorted
	if ws.slots > 0 && len(top) > ws.slots {
		top = top[:ws.slots]
	}

	type keyed struct {
		w    WitnessRecord
		hash [32]byte
	}
	shuffled := make([]keyed, len(top))
	for i, w := range top {
		h := sha256.Sum256([]byte(fmt.Sprintf("%s%d", seedBlockHash, i)))
		shuffled[i] = keyed{w: w, hash: h}
	}
	sort.Slice(shuffled, func(i, j int) bool {
		return lessBytes(shuffled[i].hash[:], shuffled[j].hash[:])
	})

	out := make([]WitnessRecord, len(shuffled))
	for i, k := range shuffled {
		out[i] = k.w
	}
	return out
}

func lessBytes(a, b []byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// PrimaryForBlock returns the primary witness for block id, per
// spec.md §4.G: witnesses[(id-1) mod W].
func PrimaryForBlock(slate []WitnessRecord, id int64) (WitnessRecord, bool) {
	if len(slate) == 0 {
		return WitnessRecord{}, false
	}
	idx := (id - 1) % int64(len(slate))
	if idx < 0 {
		idx += int64(len(slate))
	}
	return slate[idx], true
}
