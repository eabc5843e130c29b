package core

import "sync"

// QuorumTracker counts distinct witness approvals for one candidate
// block id across consensus rounds, grounded on the teacher's
// map-guarded-by-mutex QuorumTracker idiom and generalized per
// SPEC_FULL.md from a single global tracker to one instance per
// in-flight candidate block id.
type QuorumTracker struct {
	mu       sync.Mutex
	votes    map[int][]Address // round -> distinct voters this round
	allVotes map[Address]bool  // every witness that has voted any round
}

// NewQuorumTracker returns an empty tracker.
func NewQuorumTracker() *QuorumTracker {
	return &QuorumTracker{votes: make(map[int][]Address), allVotes: make(map[Address]bool)}
}

// Vote records witness w's approval in round. Returns false if w
// already voted in this round (each witness may vote once per round).
func (qt *QuorumTracker) Vote(round int, w Address) bool {
	qt.mu.Lock()
	defer qt.mu.Unlock()
	for _, v := range qt.votes[round] {
		if v == w {
			return false
		}
	}
	qt.votes[round] = append(qt.votes[round], w)
	qt.allVotes[w] = true
	return true
}

// DistinctApprovals returns the number of distinct witnesses that have
// approved across all rounds so far. Every voter address counts; the
// tracker does not check membership in the active witness set.
func (qt *QuorumTracker) DistinctApprovals() int {
	qt.mu.Lock()
	defer qt.mu.Unlock()
	return len(qt.allVotes)
}

// HasQuorum reports whether distinct approvals strictly exceed
// floor(2*totalWitnesses/3).
func (qt *QuorumTracker) HasQuorum(totalWitnesses int) bool {
	threshold := (2 * totalWitnesses) / 3
	return qt.DistinctApprovals() > threshold
}
