package drop

import "testing"

func TestDrop_NeverAdmits(t *testing.T) {
	t.Parallel()

	if admit, err := New().New(nil).OnFull(nil, 0, 0); admit || err != nil {
		t.Fatalf("drop must reject: admit=%v err=%v", admit, err)
	}
}
