// Package dataset tracks the named datasets a run defines — their
// datatype and dimensions — and the write-in-progress guard that governs
// when schema changes are allowed. It is owned by the control plane and
// consulted by the chunked writer.
package dataset

import "fmt"

// Datatype names the on-disk element type of a dataset. It mirrors the
// "dataset.datatype" control-plane field.
type Datatype string

const (
	U8  Datatype = "u8"
	U16 Datatype = "u16"
	U32 Datatype = "u32"
)

// Size returns the element width in bytes.
func (d Datatype) Size() int {
	switch d {
	case U8:
		return 1
	case U16:
		return 2
	case U32:
		return 4
	default:
		return 0
	}
}

// Dataset is one named, chunked array within a run.
type Dataset struct {
	Name     string
	Datatype Datatype
	Dims     []int64 // outer dim is the unlimited frame axis; 0 means unbounded
	Chunks   []int64

	// FramesWritten counts frames written against this dataset, or
	// against the whole run if this is the master dataset. See
	// Registry.CountFrame for the counting rule.
	FramesWritten int64
}

// ErrUnknownDataset is returned by Get for a name never created.
var ErrUnknownDataset = fmt.Errorf("dataset: unknown dataset")

// ErrWriteInProgress is returned by Create when the registry is locked
// for writing; schema changes are only permitted between runs.
var ErrWriteInProgress = fmt.Errorf("dataset: write in progress")

// ErrAlreadyExists is returned by Create for a name already registered.
var ErrAlreadyExists = fmt.Errorf("dataset: already exists")

// Registry owns the set of datasets defined for the current run.
type Registry struct {
	writing bool
	order   []string // creation order, for deterministic status listings
	sets    map[string]*Dataset
	master  string // "" means no master dataset configured
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{sets: make(map[string]*Dataset)}
}

// SetWriting toggles the write-in-progress guard. The control plane calls
// this around a run; Create and SetMaster refuse to act while it is true.
func (r *Registry) SetWriting(w bool) {
	r.writing = w
}

// Writing reports the current guard state.
func (r *Registry) Writing() bool {
	return r.writing
}

// Create registers a new dataset. Field validity (non-empty name, a
// recognised datatype, non-empty dims) is the caller's responsibility;
// the control plane adapter rejects malformed creation requests with
// MissingField before reaching here.
func (r *Registry) Create(name string, datatype Datatype, dims, chunks []int64) (*Dataset, error) {
	if r.writing {
		return nil, ErrWriteInProgress
	}
	if _, ok := r.sets[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyExists, name)
	}
	d := &Dataset{Name: name, Datatype: datatype, Dims: dims, Chunks: chunks}
	r.sets[name] = d
	r.order = append(r.order, name)
	return d, nil
}

// Get resolves a dataset by name.
func (r *Registry) Get(name string) (*Dataset, error) {
	d, ok := r.sets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDataset, name)
	}
	return d, nil
}

// List returns every dataset in creation order.
func (r *Registry) List() []*Dataset {
	out := make([]*Dataset, len(r.order))
	for i, name := range r.order {
		out[i] = r.sets[name]
	}
	return out
}

// SetMaster designates name as the master dataset, whose frame count
// governs the run's reported frames-written total. An empty name clears
// the designation.
func (r *Registry) SetMaster(name string) error {
	if r.writing {
		return ErrWriteInProgress
	}
	if name != "" {
		if _, ok := r.sets[name]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownDataset, name)
		}
	}
	r.master = name
	return nil
}

// Master returns the master dataset, if one is configured.
func (r *Registry) Master() (*Dataset, bool) {
	if r.master == "" {
		return nil, false
	}
	return r.sets[r.master], true
}

// CountFrame advances name's own FramesWritten by one, unconditionally.
// The master-dataset rule is applied only by TotalFramesWritten, which
// reports the master's count alone when one is configured: every
// dataset's per-dataset count still advances on its own writes (e.g.
// per-subframe diagnostics written far more often than the master),
// only the run-level total is gated to the master.
func (r *Registry) CountFrame(name string) error {
	d, err := r.Get(name)
	if err != nil {
		return err
	}
	d.FramesWritten++
	return nil
}

// TotalFramesWritten reports the run-level frames-written count: the
// master dataset's count if one is set, otherwise the sum across every
// dataset's own FramesWritten.
func (r *Registry) TotalFramesWritten() int64 {
	if d, ok := r.Master(); ok {
		return d.FramesWritten
	}
	var total int64
	for _, d := range r.sets {
		total += d.FramesWritten
	}
	return total
}
