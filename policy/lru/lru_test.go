package lru

import (
	"testing"

	"github.com/IvanBrykalov/flowstate/dchain"
	"github.com/IvanBrykalov/flowstate/policy"
	"github.com/IvanBrykalov/flowstate/stm"
)

// --- test doubles ---

type mockHooks struct {
	oldest    dchain.Handle
	hasOldest bool

	evictCnt   int
	lastEvict  dchain.Handle
	lastReason policy.Reason
}

func (h *mockHooks) Oldest(*stm.Txn, int) (dchain.Handle, bool, error) {
	return h.oldest, h.hasOldest, nil
}
func (h *mockHooks) Deadline(*stm.Txn, dchain.Handle) (int64, error) { return 0, nil }
func (h *mockHooks) Evict(_ *stm.Txn, hd dchain.Handle, _ int, r policy.Reason) error {
	h.evictCnt++
	h.lastEvict, h.lastReason = hd, r
	return nil
}

// --- tests ---

// OnFull evicts the oldest flow and admits.
func TestLRU_OnFull_EvictsOldest(t *testing.T) {
	t.Parallel()

	h := &mockHooks{oldest: 7, hasOldest: true}
	p := New().New(h)

	admit, err := p.OnFull(nil, 0, 0)
	if err != nil || !admit {
		t.Fatalf("OnFull: want admit, got %v err=%v", admit, err)
	}
	if h.evictCnt != 1 || h.lastEvict != 7 || h.lastReason != policy.Capacity {
		t.Fatalf("OnFull must evict the oldest flow once with reason capacity, got cnt=%d h=%d r=%v",
			h.evictCnt, h.lastEvict, h.lastReason)
	}
}

// An empty partition has nothing to evict.
func TestLRU_OnFull_EmptyPartition(t *testing.T) {
	t.Parallel()

	h := &mockHooks{}
	admit, err := New().New(h).OnFull(nil, 0, 0)
	if err != nil || admit {
		t.Fatalf("OnFull on empty partition: admit=%v err=%v", admit, err)
	}
	if h.evictCnt != 0 {
		t.Fatal("OnFull must not evict from an empty partition")
	}
}
