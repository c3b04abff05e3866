// Package container implements the chunk-aligned, self-describing
// scientific dataset file this run's frames are persisted into. It is
// not an HDF5 binding: it borrows HDF5's chunking and alignment ideas
// (direct per-chunk writes, an unlimited outer frame dimension, byte-zero
// fill values via sparse holes) without any dependency on the HDF5
// library, and lays its own minimal header/footer around the chunk data.
package container

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"

	"ingest/internal/dataset"
)

const (
	magic      = "SCICONT1"
	headerSize = 64
	version    = 1

	// AlignBoundary and AlignThreshold mirror the alignment property a
	// scientific HDF5 writer would request: chunk allocations at or
	// above the threshold are rounded up to start on a boundary, so one
	// large chunk never straddles a filesystem block in a way that costs
	// an extra read on spinning media.
	AlignBoundary  = 64 * 1024
	AlignThreshold = 4 * 1024 * 1024

	flagSWMR = 1 << 0
)

// Writer owns one open container file and the chunk offset table for
// every dataset written into it. It is used by a single writer thread;
// spec.md's concurrency model never shares a Writer across goroutines.
type Writer struct {
	f        *os.File
	path     string
	alloc    *allocator
	registry *dataset.Registry
	swmr     bool
	chunks   map[string]map[int64]uint64 // dataset name -> outer index -> file offset
}

// Create truncates (or creates) the file at path and prepares it to
// receive chunk writes for the datasets already defined in registry.
// swmr requests the single-writer/multiple-reader discipline: Flush
// makes the footer visible to a concurrent reader without waiting for
// Close.
func Create(path string, registry *dataset.Registry, swmr bool) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("container: create %s: %w", path, err)
	}
	if _, err := f.Write(make([]byte, headerSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("container: write header placeholder: %w", err)
	}
	return &Writer{
		f:        f,
		path:     path,
		alloc:    newAllocator(headerSize, AlignBoundary, AlignThreshold),
		registry: registry,
		swmr:     swmr,
		chunks:   make(map[string]map[int64]uint64),
	}, nil
}

// CreateDataset registers a new dataset with the underlying registry and
// prepares its chunk offset table. It fails with dataset.ErrWriteInProgress
// if the registry is currently locked for writing.
func (w *Writer) CreateDataset(name string, datatype dataset.Datatype, dims, chunks []int64) (*dataset.Dataset, error) {
	d, err := w.registry.Create(name, datatype, dims, chunks)
	if err != nil {
		return nil, err
	}
	w.chunks[name] = make(map[int64]uint64)
	return d, nil
}

func chunkByteSize(d *dataset.Dataset) int64 {
	n := int64(1)
	for _, c := range d.Chunks {
		n *= c
	}
	return n * int64(d.Datatype.Size())
}

// ensureChunk returns the file offset of outerIndex's chunk within
// dataset name, allocating it on first use. Extending the outer
// dimension is implicit: the dataset's Dims[0] is bumped to cover
// outerIndex, and the chunk itself is never pre-zeroed because the
// underlying file is sparse — any byte never written by WriteChunkRegion
// reads back as zero, which is the fill value this format uses.
func (w *Writer) ensureChunk(name string, outerIndex int64) (uint64, *dataset.Dataset, error) {
	d, err := w.registry.Get(name)
	if err != nil {
		return 0, nil, err
	}
	idx, ok := w.chunks[name]
	if !ok {
		idx = make(map[int64]uint64)
		w.chunks[name] = idx
	}
	if off, ok := idx[outerIndex]; ok {
		return off, d, nil
	}
	off := w.alloc.allocate(uint64(chunkByteSize(d)))
	idx[outerIndex] = off
	if len(d.Dims) > 0 && d.Dims[0] < outerIndex+1 {
		d.Dims[0] = outerIndex + 1
	}
	return off, d, nil
}

// WriteChunk performs one direct write of an entire chunk's worth of
// data for outerIndex and advances the dataset's own frames-written count
// by one through Registry.CountFrame; the master-dataset rule applies only
// to the registry's run-level TotalFramesWritten.
func (w *Writer) WriteChunk(name string, outerIndex int64, data []byte) error {
	if err := w.WriteChunkRegion(name, outerIndex, 0, data); err != nil {
		return err
	}
	return w.registry.CountFrame(name)
}

// WriteChunkRegion writes data at byteOffset within outerIndex's chunk,
// without touching the frames-written count. It is used for sensors
// that split one frame into several independent writes (the subframe
// case): the caller computes byteOffset by stepping over the sensor's
// per-subframe row span and calls CountFrame once after the last region.
// It refuses to write past the end of the chunk outerIndex was allocated
// with: a region write that would spill into the next chunk's bytes is
// rejected instead of silently corrupting it.
func (w *Writer) WriteChunkRegion(name string, outerIndex int64, byteOffset int, data []byte) error {
	off, d, err := w.ensureChunk(name, outerIndex)
	if err != nil {
		return err
	}
	if size := chunkByteSize(d); int64(byteOffset)+int64(len(data)) > size {
		return fmt.Errorf("container: write chunk %s[%d]+%d..%d exceeds chunk size %d",
			name, outerIndex, byteOffset, byteOffset+len(data), size)
	}
	if _, err := w.f.WriteAt(data, int64(off)+int64(byteOffset)); err != nil {
		return fmt.Errorf("container: write chunk %s[%d]+%d: %w", name, outerIndex, byteOffset, err)
	}
	return nil
}

// WriteSubframes performs write_subframes: it splits data into
// subframeCount equal contiguous pieces and writes piece i with one
// chunk-region write at byte offset i*len(data)/subframeCount, then
// advances the frames-written count once for the whole frame. The pieces
// land back to back in data's own order; subframeWidth does not affect
// where bytes are placed and only appears, as piece i's starting column
// i*subframeWidth, in error messages. data must divide evenly across
// subframeCount pieces.
func (w *Writer) WriteSubframes(name string, outerIndex int64, subframeCount int, subframeWidth int64, data []byte) error {
	if subframeCount <= 0 {
		return fmt.Errorf("container: subframeCount must be positive, got %d", subframeCount)
	}
	if len(data)%subframeCount != 0 {
		return fmt.Errorf("container: subframe data of %d bytes does not divide evenly across %d subframes", len(data), subframeCount)
	}
	subframeBytes := len(data) / subframeCount
	for i := 0; i < subframeCount; i++ {
		byteOffset := i * subframeBytes
		column := int64(i) * subframeWidth
		piece := data[byteOffset : byteOffset+subframeBytes]
		if err := w.WriteChunkRegion(name, outerIndex, byteOffset, piece); err != nil {
			return fmt.Errorf("container: write subframe %d at column %d: %w", i, column, err)
		}
	}
	return w.registry.CountFrame(name)
}

// CountFrame advances name's own frames-written count by one (see
// Registry.CountFrame). Callers that write a frame across
// several WriteChunkRegion calls (subframes) call this once after the
// last region.
func (w *Writer) CountFrame(name string) error {
	return w.registry.CountFrame(name)
}

// footerDataset is the on-disk form of one dataset's metadata and chunk
// index, written at Close or Flush.
type footerDataset struct {
	Name          string           `json:"name"`
	Datatype      dataset.Datatype `json:"datatype"`
	Dims          []int64          `json:"dims"`
	Chunks        []int64          `json:"chunks"`
	FramesWritten int64            `json:"frames_written"`
	ChunkOffsets  map[int64]uint64 `json:"chunk_offsets"`
}

type footer struct {
	Datasets []footerDataset `json:"datasets"`
}

func (w *Writer) buildFooter() footer {
	var ft footer
	for _, d := range w.registry.List() {
		ft.Datasets = append(ft.Datasets, footerDataset{
			Name:          d.Name,
			Datatype:      d.Datatype,
			Dims:          d.Dims,
			Chunks:        d.Chunks,
			FramesWritten: d.FramesWritten,
			ChunkOffsets:  w.chunks[d.Name],
		})
	}
	return ft
}

// writeFooterAndHeader serialises the current dataset metadata and chunk
// index to a fresh footer block and patches the header's footer pointer
// to reference it. It does not reuse the previous footer's space; each
// call burns a small amount of file space, which is the tradeoff this
// format makes for never needing an in-place variable-length rewrite.
func (w *Writer) writeFooterAndHeader() error {
	body, err := json.Marshal(w.buildFooter())
	if err != nil {
		return fmt.Errorf("container: marshal footer: %w", err)
	}
	off := w.alloc.allocate(uint64(len(body)))
	if _, err := w.f.WriteAt(body, int64(off)); err != nil {
		return fmt.Errorf("container: write footer: %w", err)
	}

	hdr := make([]byte, headerSize)
	copy(hdr[:8], magic)
	binary.BigEndian.PutUint32(hdr[8:12], version)
	var flags uint32
	if w.swmr {
		flags |= flagSWMR
	}
	binary.BigEndian.PutUint32(hdr[12:16], flags)
	binary.BigEndian.PutUint64(hdr[16:24], off)
	binary.BigEndian.PutUint64(hdr[24:32], uint64(len(body)))
	if _, err := w.f.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("container: write header: %w", err)
	}
	return nil
}

// Flush makes the current footer durable without closing the file, so a
// SWMR reader attached to the same path observes the dataset's growth.
func (w *Writer) Flush() error {
	if err := w.writeFooterAndHeader(); err != nil {
		return err
	}
	return w.f.Sync()
}

// Close writes the final footer and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.writeFooterAndHeader(); err != nil {
		w.f.Close()
		return err
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("container: sync: %w", err)
	}
	return w.f.Close()
}
