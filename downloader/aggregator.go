package downloader

import (
	"sync"
	"sync/atomic"
	"time"
)

// ProgressEvent reports bytes written by one segment worker
type ProgressEvent struct {
	TaskID    string
	SegmentID int
	Delta     int64
}

// Progress is the aggregated view of one task at a point in time
type Progress struct {
	Downloaded int64
	Size       int64
	Percent    float64
	Speed      float64
	Bitfield   []SectorState
}

type segmentCounter struct {
	start      int64
	end        int64
	downloaded atomic.Int64
	state      SegmentState
}

type taskProgress struct {
	mu       sync.Mutex
	size     int64
	sectors  int
	segments []*segmentCounter

	lastAt    time.Time
	lastBytes int64
	speed     float64
}

// Aggregator owns the live byte counters of running tasks. Workers add to
// the counters without locks; snapshots are computed on demand and the speed
// figure is refreshed at most once per interval.
type Aggregator struct {
	interval time.Duration
	now      func() time.Time

	mu    sync.RWMutex
	tasks map[string]*taskProgress
}

// NewAggregator creates an aggregator refreshing speed at most every interval
func NewAggregator(interval time.Duration) *Aggregator {
	return &Aggregator{
		interval: interval,
		now:      time.Now,
		tasks:    make(map[string]*taskProgress),
	}
}

// Track starts (or restarts) counting for a task from its persisted segments
func (a *Aggregator) Track(taskID string, size int64, segments []Segment, sectors int) {
	tp := &taskProgress{
		size:     size,
		sectors:  sectors,
		segments: make([]*segmentCounter, len(segments)),
	}
	var total int64
	for i, seg := range segments {
		c := &segmentCounter{start: seg.Start, end: seg.End, state: seg.State}
		c.downloaded.Store(seg.Downloaded)
		tp.segments[i] = c
		total += seg.Downloaded
	}
	tp.lastAt = a.now()
	tp.lastBytes = total

	a.mu.Lock()
	a.tasks[taskID] = tp
	a.mu.Unlock()
}

// Forget drops a task's counters
func (a *Aggregator) Forget(taskID string) {
	a.mu.Lock()
	delete(a.tasks, taskID)
	a.mu.Unlock()
}

func (a *Aggregator) lookup(taskID string) *taskProgress {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.tasks[taskID]
}

func (tp *taskProgress) segment(id int) *segmentCounter {
	if id < 0 || id >= len(tp.segments) {
		return nil
	}
	return tp.segments[id]
}

// Record applies one progress event. Events for unknown tasks are dropped.
func (a *Aggregator) Record(ev ProgressEvent) {
	tp := a.lookup(ev.TaskID)
	if tp == nil {
		return
	}
	if c := tp.segment(ev.SegmentID); c != nil {
		c.downloaded.Add(ev.Delta)
	}
}

// SetSegmentState updates the state of one segment
func (a *Aggregator) SetSegmentState(taskID string, segmentID int, state SegmentState) {
	tp := a.lookup(taskID)
	if tp == nil {
		return
	}
	tp.mu.Lock()
	if c := tp.segment(segmentID); c != nil {
		c.state = state
	}
	tp.mu.Unlock()
}

// SetSize records a size learned after planning, closing an open-ended
// last segment at the same time.
func (a *Aggregator) SetSize(taskID string, size int64) {
	tp := a.lookup(taskID)
	if tp == nil {
		return
	}
	tp.mu.Lock()
	tp.size = size
	if n := len(tp.segments); n > 0 && tp.segments[n-1].end < 0 {
		tp.segments[n-1].end = size
	}
	tp.mu.Unlock()
}

// SegmentWritten returns the bytes written so far for one segment
func (a *Aggregator) SegmentWritten(taskID string, segmentID int) int64 {
	tp := a.lookup(taskID)
	if tp == nil {
		return 0
	}
	if c := tp.segment(segmentID); c != nil {
		return c.downloaded.Load()
	}
	return 0
}

// Downloaded returns the sum of all segment counters
func (a *Aggregator) Downloaded(taskID string) int64 {
	tp := a.lookup(taskID)
	if tp == nil {
		return 0
	}
	return tp.total()
}

func (tp *taskProgress) total() int64 {
	var total int64
	for _, c := range tp.segments {
		total += c.downloaded.Load()
	}
	return total
}

// Segments returns the current segment list with live counters
func (a *Aggregator) Segments(taskID string) []Segment {
	tp := a.lookup(taskID)
	if tp == nil {
		return nil
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	out := make([]Segment, len(tp.segments))
	for i, c := range tp.segments {
		out[i] = Segment{
			ID:         i,
			Start:      c.start,
			End:        c.end,
			Downloaded: c.downloaded.Load(),
			State:      c.state,
		}
	}
	return out
}

// Idle reports whether no segment of the task is active
func (a *Aggregator) Idle(taskID string) bool {
	tp := a.lookup(taskID)
	if tp == nil {
		return true
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	for _, c := range tp.segments {
		if c.state == SegmentActive {
			return false
		}
	}
	return true
}

// Snapshot computes the aggregated progress of a task
func (a *Aggregator) Snapshot(taskID string) (Progress, bool) {
	tp := a.lookup(taskID)
	if tp == nil {
		return Progress{}, false
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()

	downloaded := tp.total()
	now := a.now()
	if elapsed := now.Sub(tp.lastAt); elapsed >= a.interval && elapsed > 0 {
		delta := downloaded - tp.lastBytes
		if delta < 0 {
			delta = 0
		}
		tp.speed = float64(delta) / elapsed.Seconds()
		tp.lastAt = now
		tp.lastBytes = downloaded
	}

	return Progress{
		Downloaded: downloaded,
		Size:       tp.size,
		Percent:    percent(downloaded, tp.size),
		Speed:      tp.speed,
		Bitfield:   tp.bitfield(),
	}, true
}

func percent(downloaded, size int64) float64 {
	if size <= 0 {
		return 0
	}
	p := float64(downloaded) / float64(size) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// bitfield marks each sector by how much of its byte range the written
// prefixes of the segments cover. Caller holds tp.mu.
func (tp *taskProgress) bitfield() []SectorState {
	if tp.sectors <= 0 {
		return nil
	}
	bits := make([]SectorState, tp.sectors)
	if tp.size <= 0 {
		return bits
	}

	n := int64(tp.sectors)
	for i := int64(0); i < n; i++ {
		lo := i * tp.size / n
		hi := (i + 1) * tp.size / n
		if hi <= lo {
			hi = lo + 1
		}
		var covered int64
		for _, c := range tp.segments {
			wEnd := c.start + c.downloaded.Load()
			covered += overlap(c.start, wEnd, lo, hi)
		}
		switch {
		case covered >= hi-lo:
			bits[i] = SectorDone
		case covered > 0:
			bits[i] = SectorInProgress
		}
	}
	return bits
}

func overlap(aLo, aHi, bLo, bHi int64) int64 {
	lo := max(aLo, bLo)
	hi := min(aHi, bHi)
	if hi <= lo {
		return 0
	}
	return hi - lo
}
