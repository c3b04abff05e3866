package dataset

import "fmt"

// ErrWrongRank is returned by OffsetMapper.Map when a frame number does
// not belong to this process's rank in a multi-rank striped run.
var ErrWrongRank = fmt.Errorf("dataset: frame does not belong to this rank")

// ErrFrameOutOfOrder is returned by OffsetMapper.Map when a frame number
// falls behind the run's latched start_frame_offset.
var ErrFrameOutOfOrder = fmt.Errorf("dataset: frame out of order")

// OffsetMapper converts a detector frame number into the outer-dimension
// index a chunked write targets, accounting for multi-rank striping.
// The mapping of the first frame number ever seen becomes the run's
// start_frame_offset; every later frame number is measured relative to
// it, so a run that begins mid-stream (frame number 10000, say) still
// starts writing at outer index 0.
type OffsetMapper struct {
	rankCount int
	rank      int

	hasStart         bool
	startFrameOffset uint32
}

// NewOffsetMapper builds a mapper for one rank of rankCount total ranks.
// rankCount of 1 disables striping: every frame belongs to the sole rank.
func NewOffsetMapper(rankCount, rank int) *OffsetMapper {
	if rankCount < 1 {
		rankCount = 1
	}
	return &OffsetMapper{rankCount: rankCount, rank: rank}
}

// Map returns the outer-dimension index frameNumber should be written at.
func (m *OffsetMapper) Map(frameNumber uint32) (int64, error) {
	if !m.hasStart {
		m.startFrameOffset = frameNumber
		m.hasStart = true
	}

	if frameNumber < m.startFrameOffset {
		return 0, ErrFrameOutOfOrder
	}

	if m.rankCount > 1 {
		// Frames are handed out to ranks round-robin starting at 1, so
		// rank r owns every frame where (f-1) mod rankCount == r.
		if int(frameNumber-1)%m.rankCount != m.rank {
			return 0, ErrWrongRank
		}
	}

	local := int64(frameNumber) - int64(m.startFrameOffset)
	if m.rankCount > 1 {
		local /= int64(m.rankCount)
	}
	return local, nil
}

// Reset clears the latched start offset, for reuse across runs within
// the same process.
func (m *OffsetMapper) Reset() {
	m.hasStart = false
	m.startFrameOffset = 0
}
