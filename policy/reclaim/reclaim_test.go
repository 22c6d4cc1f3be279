package reclaim

import (
	"testing"

	"github.com/IvanBrykalov/flowstate/dchain"
	"github.com/IvanBrykalov/flowstate/policy"
	"github.com/IvanBrykalov/flowstate/stm"
)

type mockHooks struct {
	deadline int64
	evicted  []dchain.Handle
	reason   policy.Reason
}

func (h *mockHooks) Oldest(*stm.Txn, int) (dchain.Handle, bool, error) { return 3, true, nil }
func (h *mockHooks) Deadline(*stm.Txn, dchain.Handle) (int64, error) { return h.deadline, nil }
func (h *mockHooks) Evict(_ *stm.Txn, hd dchain.Handle, _ int, r policy.Reason) error {
	h.evicted = append(h.evicted, hd)
	h.reason = r
	return nil
}

func TestReclaim_OnlyExpired(t *testing.T) {
	t.Parallel()

	h := &mockHooks{deadline: 100}
	p := New().New(h)

	if admit, err := p.OnFull(nil, 0, 100); err != nil || admit {
		t.Fatalf("deadline == now must not be reclaimed: admit=%v err=%v", admit, err)
	}
	if admit, err := p.OnFull(nil, 0, 101); err != nil || !admit {
		t.Fatalf("expired flow must be reclaimed: admit=%v err=%v", admit, err)
	}
	if len(h.evicted) != 1 || h.evicted[0] != 3 || h.reason != policy.Expired {
		t.Fatalf("unexpected evictions %v reason %v", h.evicted, h.reason)
	}
}
