package container

// block tracks one allocated byte range of the container file.
type block struct {
	offset uint64
	size   uint64
}

// allocator hands out file regions at the current end of file, growing
// monotonically. It never reuses freed space; nothing in this container
// format ever frees a chunk once written, so that limitation never bites.
//
// Requests at or above alignThreshold have their start address rounded up
// to the next multiple of alignBoundary, leaving a small unused gap
// before them. The gap reads as zero on a sparse file and is never
// reclaimed, mirroring the alignment property scientific HDF5 writers
// request from the library for large chunk allocations.
type allocator struct {
	next          uint64
	alignBoundary uint64
	alignThreshold uint64
	blocks        []block
}

func newAllocator(initialOffset, alignBoundary, alignThreshold uint64) *allocator {
	return &allocator{
		next:           initialOffset,
		alignBoundary:  alignBoundary,
		alignThreshold: alignThreshold,
	}
}

// allocate reserves size bytes and returns the offset it was placed at.
func (a *allocator) allocate(size uint64) uint64 {
	addr := a.next
	if size >= a.alignThreshold && a.alignBoundary > 0 {
		if rem := addr % a.alignBoundary; rem != 0 {
			addr += a.alignBoundary - rem
		}
	}
	a.blocks = append(a.blocks, block{offset: addr, size: size})
	a.next = addr + size
	return addr
}

// endOfFile is the offset the next allocation would start from absent
// alignment, i.e. the current logical end of the container.
func (a *allocator) endOfFile() uint64 {
	return a.next
}
