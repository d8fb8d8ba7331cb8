package downloader

// DefaultMinSegmentSize keeps segments from getting so small that request
// overhead dominates.
const DefaultMinSegmentSize int64 = 64 * 1024

// Planner partitions a resource into contiguous segments
type Planner struct {
	MinSegmentSize int64
}

// Plan splits [0, size) into at most threadCap segments. Without range support
// or a known size it returns a single segment covering the whole stream.
func (p Planner) Plan(size int64, rangeSupported bool, threadCap int) []Segment {
	if !rangeSupported || size <= 0 {
		end := size
		if size <= 0 {
			end = -1
		}
		return []Segment{{ID: 0, Start: 0, End: end, State: SegmentPending}}
	}

	minSize := p.MinSegmentSize
	if minSize <= 0 {
		minSize = DefaultMinSegmentSize
	}
	if threadCap < 1 {
		threadCap = 1
	}

	count := ceilDiv(size, minSize)
	if count > int64(threadCap) {
		count = int64(threadCap)
	}
	if count < 1 {
		count = 1
	}
	chunk := ceilDiv(size, count)
	// A rounded-up chunk can leave the tail empty; drop those segments.
	count = ceilDiv(size, chunk)

	segments := make([]Segment, 0, count)
	for i := int64(0); i < count; i++ {
		start := i * chunk
		end := start + chunk
		if i == count-1 || end > size {
			end = size
		}
		segments = append(segments, Segment{
			ID:    int(i),
			Start: start,
			End:   end,
			State: SegmentPending,
		})
	}
	return segments
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
