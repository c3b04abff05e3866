package dataset

import "testing"

func TestCreateAndGet(t *testing.T) {
	r := New()
	d, err := r.Create("frame", U16, []int64{0, 1484, 1408}, []int64{1, 1484, 1408})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if d.Name != "frame" || d.Datatype != U16 {
		t.Fatalf("Create returned %+v", d)
	}

	got, err := r.Get("frame")
	if err != nil || got != d {
		t.Fatalf("Get(%q) = %v, %v, want the created dataset", "frame", got, err)
	}
}

func TestGetUnknownDataset(t *testing.T) {
	r := New()
	if _, err := r.Get("missing"); err == nil {
		t.Fatalf("Get(missing): got nil error")
	}
}

func TestCreateRefusedWhileWriting(t *testing.T) {
	r := New()
	r.SetWriting(true)
	if _, err := r.Create("frame", U16, []int64{0}, []int64{1}); err != ErrWriteInProgress {
		t.Fatalf("Create while writing: err = %v, want ErrWriteInProgress", err)
	}
}

func TestCreateDuplicateRejected(t *testing.T) {
	r := New()
	if _, err := r.Create("frame", U16, []int64{0}, []int64{1}); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := r.Create("frame", U16, []int64{0}, []int64{1}); err == nil {
		t.Fatalf("duplicate Create: got nil error")
	}
}

func TestMasterDatasetCountingRule(t *testing.T) {
	r := New()
	if _, err := r.Create("frame", U16, []int64{0}, []int64{1}); err != nil {
		t.Fatalf("Create frame: %v", err)
	}
	if _, err := r.Create("diagnostics", U8, []int64{0}, []int64{1}); err != nil {
		t.Fatalf("Create diagnostics: %v", err)
	}
	if err := r.SetMaster("frame"); err != nil {
		t.Fatalf("SetMaster: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := r.CountFrame("diagnostics"); err != nil {
			t.Fatalf("CountFrame(diagnostics): %v", err)
		}
	}
	if err := r.CountFrame("frame"); err != nil {
		t.Fatalf("CountFrame(frame): %v", err)
	}

	if got := r.TotalFramesWritten(); got != 1 {
		t.Fatalf("TotalFramesWritten = %d, want 1 (master-gated)", got)
	}

	diag, _ := r.Get("diagnostics")
	if diag.FramesWritten != 3 {
		t.Fatalf("diagnostics.FramesWritten = %d, want 3 (still counted per-dataset)", diag.FramesWritten)
	}
}

func TestTotalFramesWrittenWithoutMasterSumsEveryDataset(t *testing.T) {
	r := New()
	if _, err := r.Create("a", U8, []int64{0}, []int64{1}); err != nil {
		t.Fatalf("Create a: %v", err)
	}
	if _, err := r.Create("b", U8, []int64{0}, []int64{1}); err != nil {
		t.Fatalf("Create b: %v", err)
	}
	r.CountFrame("a")
	r.CountFrame("a")
	r.CountFrame("b")

	if got := r.TotalFramesWritten(); got != 3 {
		t.Fatalf("TotalFramesWritten = %d, want 3", got)
	}
}

func TestSetMasterRefusedWhileWriting(t *testing.T) {
	r := New()
	r.Create("frame", U16, []int64{0}, []int64{1})
	r.SetWriting(true)
	if err := r.SetMaster("frame"); err != ErrWriteInProgress {
		t.Fatalf("SetMaster while writing: err = %v, want ErrWriteInProgress", err)
	}
}
