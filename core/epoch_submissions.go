package core

import "sync"

// epochSubmissions tracks every accepted submission per epoch and exposes
// the highest-difficulty one, ties broken by insertion order. It is the
// same mutex-guarded registry-keyed-by-domain-value shape used elsewhere
// for validator bookkeeping, repurposed here from vote counting to
// best-solution tracking.

type submissionKey struct {
	epoch uint64
	salt  [32]byte
	pk    [32]byte
}

type epochSubmissions struct {
	mu    sync.Mutex
	seen  map[submissionKey]struct{}
	best  map[uint64]EpochSubmission
	order map[uint64]int // insertion sequence of the current best, for tie-breaks
	seq   int
}

func newEpochSubmissions() *epochSubmissions {
	return &epochSubmissions{
		seen:  make(map[submissionKey]struct{}),
		best:  make(map[uint64]EpochSubmission),
		order: make(map[uint64]int),
	}
}

// add records sub as a candidate for its epoch. Returns false if
// (epochNumber, salt, mldsaPublicKey) was already recorded — the caller
// must treat this as DuplicateSubmission.
func (t *epochSubmissions) add(sub EpochSubmission) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := submissionKey{epoch: sub.EpochNumber, salt: sub.Salt, pk: sub.MLDSAPublicKey}
	if _, ok := t.seen[key]; ok {
		return false
	}
	t.seen[key] = struct{}{}
	t.seq++

	cur, ok := t.best[sub.EpochNumber]
	if !ok || sub.Difficulty > cur.Difficulty {
		t.best[sub.EpochNumber] = sub
		t.order[sub.EpochNumber] = t.seq
	}
	return true
}

// getBestSolution returns the highest-difficulty submission recorded for
// epoch, if any.
func (t *epochSubmissions) getBestSolution(epoch uint64) (EpochSubmission, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sub, ok := t.best[epoch]
	return sub, ok
}
