// Package controlplane turns structured JSON configuration deltas into
// changes against the dataset registry and the run's process/file
// identity, and exposes the run's current status in the same shape.
// It owns no I/O itself: starting and stopping the actual container
// writer is delegated to a Hooks implementation the ingest command
// wires up, keeping this package ignorant of package container.
package controlplane

import (
	"fmt"
	"path/filepath"

	"ingest/internal/dataset"
)

// MissingFieldError is returned when a dataset.cmd=create delta omits a
// field the create operation requires.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("controlplane: missing field %q", e.Field)
}

// Hooks lets the ingest command react to write-state transitions without
// this package importing the container writer directly.
type Hooks interface {
	// StartWriting opens the container file at path and returns any
	// error preventing the run from starting.
	StartWriting(path string) error
	// StopWriting closes whatever StartWriting opened.
	StopWriting() error
}

// Delta is the wire shape of one control-plane configuration message.
// Every field is a pointer (or nil slice) so "absent" is distinguishable
// from the type's zero value.
type Delta struct {
	Process *struct {
		Number *int `json:"number"`
		Rank   *int `json:"rank"`
	} `json:"process"`
	File *struct {
		Path          *string `json:"path"`
		Name          *string `json:"name"`
		MasterDataset *string `json:"master_dataset"`
	} `json:"file"`
	Dataset *struct {
		Cmd      *string `json:"cmd"`
		Name     *string `json:"name"`
		Datatype *string `json:"datatype"`
		Dims     []int64 `json:"dims"`
		Chunks   []int64 `json:"chunks"`
	} `json:"dataset"`
	Frames *int64 `json:"frames"`
	Write  *bool  `json:"write"`
}

// Adapter holds the run's process identity, file target, and frame-count
// goal, and applies Deltas against them and the shared dataset registry.
type Adapter struct {
	registry *dataset.Registry
	hooks    Hooks

	processNumber int // total rank count for this run
	rank          int

	filePath string
	fileName string

	targetFrames int64
	writing      bool
}

// New returns an Adapter over registry, with a single-rank process
// identity (number=1, rank=0) until a process delta says otherwise.
func New(registry *dataset.Registry, hooks Hooks) *Adapter {
	return &Adapter{registry: registry, hooks: hooks, processNumber: 1}
}

// Apply validates and applies one configuration delta. Process, file,
// and dataset-create changes are rejected with dataset.ErrWriteInProgress
// while a run is in progress; frames and write are always accepted.
func (a *Adapter) Apply(d Delta) error {
	if d.Process != nil {
		if a.writing {
			return dataset.ErrWriteInProgress
		}
		if d.Process.Number != nil {
			a.processNumber = *d.Process.Number
		}
		if d.Process.Rank != nil {
			a.rank = *d.Process.Rank
		}
	}

	if d.File != nil {
		if a.writing {
			return dataset.ErrWriteInProgress
		}
		if d.File.Path != nil {
			a.filePath = *d.File.Path
		}
		if d.File.Name != nil {
			a.fileName = *d.File.Name
		}
		if d.File.MasterDataset != nil {
			if err := a.registry.SetMaster(*d.File.MasterDataset); err != nil {
				return err
			}
		}
	}

	if d.Dataset != nil {
		if err := a.applyDataset(d.Dataset); err != nil {
			return err
		}
	}

	if d.Frames != nil {
		a.targetFrames = *d.Frames
	}

	if d.Write != nil {
		if err := a.applyWrite(*d.Write); err != nil {
			return err
		}
	}

	return nil
}

func (a *Adapter) applyDataset(d *struct {
	Cmd      *string `json:"cmd"`
	Name     *string `json:"name"`
	Datatype *string `json:"datatype"`
	Dims     []int64 `json:"dims"`
	Chunks   []int64 `json:"chunks"`
}) error {
	if d.Cmd == nil {
		return nil
	}
	switch *d.Cmd {
	case "create":
		if a.writing {
			return dataset.ErrWriteInProgress
		}
		switch {
		case d.Name == nil:
			return &MissingFieldError{Field: "dataset.name"}
		case d.Datatype == nil:
			return &MissingFieldError{Field: "dataset.datatype"}
		case d.Dims == nil:
			return &MissingFieldError{Field: "dataset.dims"}
		}
		chunks := d.Chunks
		if chunks == nil {
			// Chunk grid defaults to one whole frame: a single chunk
			// along the outer dimension, the full extent along every
			// other dimension.
			chunks = make([]int64, len(d.Dims))
			chunks[0] = 1
			copy(chunks[1:], d.Dims[1:])
		}
		_, err := a.registry.Create(*d.Name, dataset.Datatype(*d.Datatype), d.Dims, chunks)
		return err
	default:
		return fmt.Errorf("controlplane: unknown dataset.cmd %q", *d.Cmd)
	}
}

func (a *Adapter) applyWrite(want bool) error {
	if want == a.writing {
		return nil
	}
	if want {
		path := filepath.Join(a.filePath, a.fileName)
		if err := a.hooks.StartWriting(path); err != nil {
			return err
		}
		a.registry.SetWriting(true)
		a.writing = true
		return nil
	}
	a.registry.SetWriting(false)
	a.writing = false
	return a.hooks.StopWriting()
}

// OffsetMapperConfig returns the rank-striping parameters the ingest
// command should build this run's dataset.OffsetMapper with.
func (a *Adapter) OffsetMapperConfig() (rankCount, rank int) {
	return a.processNumber, a.rank
}

// TargetFrames returns the most recently configured frame-count goal.
func (a *Adapter) TargetFrames() int64 {
	return a.targetFrames
}

// AutoStopIfTargetReached flips the run out of the writing state once the
// registry reports frames_written has reached the configured frames
// target, mirroring the original writer's "stop once framesWritten equals
// framesToWrite" rule. It does not call Hooks.StopWriting: the writer
// thread calls this after each frame it writes and, when it returns true,
// closes the container file itself, so no command needs to cross back
// over the writer-command channel.
func (a *Adapter) AutoStopIfTargetReached() bool {
	if !a.writing || a.targetFrames <= 0 {
		return false
	}
	if a.registry.TotalFramesWritten() < a.targetFrames {
		return false
	}
	a.registry.SetWriting(false)
	a.writing = false
	return true
}

// Writing reports whether a run is currently in progress.
func (a *Adapter) Writing() bool {
	return a.writing
}

// DatasetStatus is the status snapshot of one dataset.
type DatasetStatus struct {
	Name          string           `json:"name"`
	Datatype      dataset.Datatype `json:"datatype"`
	Dims          []int64          `json:"dims"`
	Chunks        []int64          `json:"chunks"`
	FramesWritten int64            `json:"frames_written"`
}

// Status is the full run status the control plane reports back.
type Status struct {
	Process struct {
		Number int `json:"number"`
		Rank   int `json:"rank"`
	} `json:"process"`
	File struct {
		Path          string `json:"path"`
		Name          string `json:"name"`
		MasterDataset string `json:"master_dataset"`
	} `json:"file"`
	Frames        int64           `json:"frames"`
	Write         bool            `json:"write"`
	FramesWritten int64           `json:"frames_written"`
	Datasets      []DatasetStatus `json:"datasets"`
}

// Status snapshots the adapter's current configuration and the
// registry's dataset metadata.
func (a *Adapter) Status() Status {
	var s Status
	s.Process.Number = a.processNumber
	s.Process.Rank = a.rank
	s.File.Path = a.filePath
	s.File.Name = a.fileName
	if master, ok := a.registry.Master(); ok {
		s.File.MasterDataset = master.Name
	}
	s.Frames = a.targetFrames
	s.Write = a.writing
	s.FramesWritten = a.registry.TotalFramesWritten()
	for _, d := range a.registry.List() {
		s.Datasets = append(s.Datasets, DatasetStatus{
			Name:          d.Name,
			Datatype:      d.Datatype,
			Dims:          d.Dims,
			Chunks:        d.Chunks,
			FramesWritten: d.FramesWritten,
		})
	}
	return s
}
