package container

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"ingest/internal/dataset"
)

func readFooter(t *testing.T, path string) footer {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	hdr := make([]byte, headerSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		t.Fatalf("read header: %v", err)
	}
	if string(hdr[:8]) != magic {
		t.Fatalf("magic = %q, want %q", hdr[:8], magic)
	}
	footerOffset := binary.BigEndian.Uint64(hdr[16:24])
	footerSize := binary.BigEndian.Uint64(hdr[24:32])

	body := make([]byte, footerSize)
	if _, err := f.ReadAt(body, int64(footerOffset)); err != nil {
		t.Fatalf("read footer body: %v", err)
	}
	var ft footer
	if err := json.Unmarshal(body, &ft); err != nil {
		t.Fatalf("unmarshal footer: %v", err)
	}
	return ft
}

func TestCreateWriteCloseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.sci")

	reg := dataset.New()
	w, err := Create(path, reg, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.CreateDataset("frame", dataset.U16, []int64{0, 2, 2}, []int64{1, 2, 2}); err != nil {
		t.Fatalf("CreateDataset: %v", err)
	}

	frame0 := []byte{1, 0, 2, 0, 3, 0, 4, 0}
	frame1 := []byte{5, 0, 6, 0, 7, 0, 8, 0}
	if err := w.WriteChunk("frame", 0, frame0); err != nil {
		t.Fatalf("WriteChunk(0): %v", err)
	}
	if err := w.WriteChunk("frame", 1, frame1); err != nil {
		t.Fatalf("WriteChunk(1): %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ft := readFooter(t, path)
	if len(ft.Datasets) != 1 {
		t.Fatalf("got %d datasets, want 1", len(ft.Datasets))
	}
	fd := ft.Datasets[0]
	if fd.Name != "frame" || fd.FramesWritten != 2 {
		t.Fatalf("footer dataset = %+v, want frame with 2 frames written", fd)
	}
	if fd.Dims[0] != 2 {
		t.Fatalf("footer dims[0] = %d, want 2 (outer dim extended)", fd.Dims[0])
	}
	if len(fd.ChunkOffsets) != 2 {
		t.Fatalf("got %d chunk offsets, want 2", len(fd.ChunkOffsets))
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	off0 := fd.ChunkOffsets[0]
	off1 := fd.ChunkOffsets[1]
	if string(raw[off0:off0+8]) != string(frame0) {
		t.Fatalf("chunk 0 bytes = %v, want %v", raw[off0:off0+8], frame0)
	}
	if string(raw[off1:off1+8]) != string(frame1) {
		t.Fatalf("chunk 1 bytes = %v, want %v", raw[off1:off1+8], frame1)
	}
}

func TestWriteChunkRegionDoesNotCountFrame(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.sci")

	reg := dataset.New()
	w, err := Create(path, reg, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.CreateDataset("frame", dataset.U8, []int64{0, 4}, []int64{1, 4}); err != nil {
		t.Fatalf("CreateDataset: %v", err)
	}

	if err := w.WriteChunkRegion("frame", 0, 0, []byte{1, 2}); err != nil {
		t.Fatalf("WriteChunkRegion (first half): %v", err)
	}
	if err := w.WriteChunkRegion("frame", 0, 2, []byte{3, 4}); err != nil {
		t.Fatalf("WriteChunkRegion (second half): %v", err)
	}

	d, err := reg.Get("frame")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if d.FramesWritten != 0 {
		t.Fatalf("FramesWritten = %d before CountFrame, want 0", d.FramesWritten)
	}

	if err := w.CountFrame("frame"); err != nil {
		t.Fatalf("CountFrame: %v", err)
	}
	if d.FramesWritten != 1 {
		t.Fatalf("FramesWritten = %d after CountFrame, want 1", d.FramesWritten)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestWriteChunkRegionRejectsOverflowingWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.sci")

	reg := dataset.New()
	w, err := Create(path, reg, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.CreateDataset("frame", dataset.U8, []int64{0, 4}, []int64{1, 4}); err != nil {
		t.Fatalf("CreateDataset: %v", err)
	}

	if err := w.WriteChunkRegion("frame", 0, 3, []byte{1, 2}); err == nil {
		t.Fatalf("WriteChunkRegion past chunk end: got nil error, want overflow rejection")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestWriteSubframesStepsColumnsAndCountsOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.sci")

	reg := dataset.New()
	w, err := Create(path, reg, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// 2 rows x 4 columns of u8 (an 8-byte chunk). Four bytes are split
	// across 2 subframes of width 2: piece 0 lands at byte offset 0 and
	// piece 1 at byte offset 2, back to back.
	if _, err := w.CreateDataset("frame", dataset.U8, []int64{0, 2, 4}, []int64{1, 2, 4}); err != nil {
		t.Fatalf("CreateDataset: %v", err)
	}

	data := []byte{1, 2, 3, 4} // subframe 0: {1,2}, subframe 1: {3,4}
	if err := w.WriteSubframes("frame", 0, 2, 2, data); err != nil {
		t.Fatalf("WriteSubframes: %v", err)
	}

	d, err := reg.Get("frame")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if d.FramesWritten != 1 {
		t.Fatalf("FramesWritten = %d, want 1 (counted once for the whole frame)", d.FramesWritten)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	ft := readFooter(t, path)
	off := ft.Datasets[0].ChunkOffsets[0]
	if string(raw[off:off+4]) != string(data) {
		t.Fatalf("chunk bytes = %v, want %v", raw[off:off+4], data)
	}
}

func TestWriteSubframesRejectsUnevenSplit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.sci")

	reg := dataset.New()
	w, err := Create(path, reg, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.CreateDataset("frame", dataset.U8, []int64{0, 3}, []int64{1, 3}); err != nil {
		t.Fatalf("CreateDataset: %v", err)
	}

	if err := w.WriteSubframes("frame", 0, 2, 1, []byte{1, 2, 3}); err == nil {
		t.Fatalf("WriteSubframes with 3 bytes over 2 subframes: got nil error, want rejection")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestCreateDatasetRefusedWhileWriting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.sci")

	reg := dataset.New()
	w, err := Create(path, reg, false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	reg.SetWriting(true)

	if _, err := w.CreateDataset("frame", dataset.U8, []int64{0}, []int64{1}); err != dataset.ErrWriteInProgress {
		t.Fatalf("CreateDataset while writing: err = %v, want ErrWriteInProgress", err)
	}
	reg.SetWriting(false)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestFlushMakesFooterVisibleBeforeClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.sci")

	reg := dataset.New()
	w, err := Create(path, reg, true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.CreateDataset("frame", dataset.U8, []int64{0, 1}, []int64{1, 1}); err != nil {
		t.Fatalf("CreateDataset: %v", err)
	}
	if err := w.WriteChunk("frame", 0, []byte{42}); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	ft := readFooter(t, path)
	if len(ft.Datasets) != 1 || ft.Datasets[0].FramesWritten != 1 {
		t.Fatalf("footer after Flush = %+v, want one dataset with 1 frame written", ft)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
