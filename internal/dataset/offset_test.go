package dataset

import "testing"

func TestOffsetMapperSingleRankLatchesStart(t *testing.T) {
	m := NewOffsetMapper(1, 0)

	cases := []struct {
		frame uint32
		want  int64
	}{
		{10000, 0},
		{10001, 1},
		{10002, 2},
	}
	for _, c := range cases {
		got, err := m.Map(c.frame)
		if err != nil {
			t.Fatalf("Map(%d): %v", c.frame, err)
		}
		if got != c.want {
			t.Fatalf("Map(%d) = %d, want %d", c.frame, got, c.want)
		}
	}
}

func TestOffsetMapperStripingAssignsByRank(t *testing.T) {
	// 3 ranks, starting frame number 1: rank 0 owns 1,4,7,...; rank 1
	// owns 2,5,8,...; rank 2 owns 3,6,9,...
	m0 := NewOffsetMapper(3, 0)
	m1 := NewOffsetMapper(3, 1)

	if _, err := m0.Map(1); err != nil {
		t.Fatalf("rank 0 Map(1): %v", err)
	}
	if _, err := m0.Map(2); err != ErrWrongRank {
		t.Fatalf("rank 0 Map(2): err = %v, want ErrWrongRank", err)
	}

	if _, err := m1.Map(1); err != ErrWrongRank {
		t.Fatalf("rank 1 Map(1): err = %v, want ErrWrongRank", err)
	}
	got, err := m1.Map(2)
	if err != nil {
		t.Fatalf("rank 1 Map(2): %v", err)
	}
	if got != 0 {
		t.Fatalf("rank 1 Map(2) = %d, want 0", got)
	}

	got, err = m1.Map(5)
	if err != nil {
		t.Fatalf("rank 1 Map(5): %v", err)
	}
	if got != 1 {
		t.Fatalf("rank 1 Map(5) = %d, want 1", got)
	}
}

func TestOffsetMapperBelowStartRejected(t *testing.T) {
	m := NewOffsetMapper(1, 0)
	if _, err := m.Map(100); err != nil {
		t.Fatalf("Map(100): %v", err)
	}
	if _, err := m.Map(99); err != ErrFrameOutOfOrder {
		t.Fatalf("Map(99) after Map(100): err = %v, want ErrFrameOutOfOrder", err)
	}
}

func TestOffsetMapperReorderedAboveStartAccepted(t *testing.T) {
	// Frames may complete out of order as long as neither falls behind
	// start_frame_offset; each still maps to its own row.
	m := NewOffsetMapper(1, 0)
	if _, err := m.Map(50); err != nil {
		t.Fatalf("Map(50): %v", err)
	}
	got200, err := m.Map(200)
	if err != nil {
		t.Fatalf("Map(200): %v", err)
	}
	got100, err := m.Map(100)
	if err != nil {
		t.Fatalf("Map(100) after Map(200): %v", err)
	}
	if got200 != 150 || got100 != 50 {
		t.Fatalf("Map(200)=%d, Map(100)=%d, want 150, 50", got200, got100)
	}
}

func TestOffsetMapperBelowStartRejectedRegardlessOfRank(t *testing.T) {
	// A stale frame below start_frame_offset is always FrameOutOfOrder,
	// even when its rank-striping residue would not otherwise match this
	// rank.
	m := NewOffsetMapper(3, 0)
	if _, err := m.Map(4); err != nil {
		t.Fatalf("Map(4): %v", err)
	}
	if _, err := m.Map(3); err != ErrFrameOutOfOrder {
		t.Fatalf("Map(3) after Map(4): err = %v, want ErrFrameOutOfOrder", err)
	}
}

func TestOffsetMapperResetRelatchesStart(t *testing.T) {
	m := NewOffsetMapper(1, 0)
	m.Map(500)
	m.Map(501)

	m.Reset()

	got, err := m.Map(10)
	if err != nil {
		t.Fatalf("Map(10) after Reset: %v", err)
	}
	if got != 0 {
		t.Fatalf("Map(10) after Reset = %d, want 0", got)
	}
}
