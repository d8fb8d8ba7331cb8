package downloader

import (
	"path/filepath"
	"time"
)

// Status is the lifecycle state of a download task
type Status string

const (
	StatusQueued      Status = "queued"
	StatusConnecting  Status = "connecting"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusVerifying   Status = "verifying"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// Running reports whether a task in this state holds a scheduler slot
func (s Status) Running() bool {
	return s == StatusConnecting || s == StatusDownloading || s == StatusVerifying
}

// Terminal reports whether the task only leaves this state on explicit user action
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// SegmentState is the transfer state of a single segment
type SegmentState string

const (
	SegmentPending SegmentState = "pending"
	SegmentActive  SegmentState = "active"
	SegmentDone    SegmentState = "done"
)

// SectorState is one cell of the coarse progress bitfield
type SectorState uint8

const (
	SectorEmpty SectorState = iota
	SectorInProgress
	SectorDone
)

// Segment is a half-open byte range [Start, End) fetched by one worker.
// End is -1 while the resource size is unknown.
type Segment struct {
	ID         int          `json:"id"`
	Start      int64        `json:"start"`
	End        int64        `json:"end"`
	Downloaded int64        `json:"downloaded"`
	State      SegmentState `json:"state"`
}

// Len returns the segment length, or -1 when the end is unknown
func (s Segment) Len() int64 {
	if s.End < 0 {
		return -1
	}
	return s.End - s.Start
}

// Task is the serializable record of a download. It never carries live
// handles; those stay in the manager's run registry.
type Task struct {
	ID             string    `json:"id"`
	URL            string    `json:"url"`
	Name           string    `json:"name"`
	SavePath       string    `json:"save_path"`
	Size           int64     `json:"size"`
	Downloaded     int64     `json:"downloaded"`
	Status         Status    `json:"status"`
	RangeSupported bool      `json:"range_supported"`
	Probed         bool      `json:"probed"`
	ETag           string    `json:"etag,omitempty"`
	NamePinned     bool      `json:"name_pinned,omitempty"`
	MaxThreads     int       `json:"max_threads"`
	Segments       []Segment `json:"segments"`
	Sectors        int       `json:"sectors"`
	FileType       string    `json:"file_type,omitempty"`
	Description    string    `json:"description,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	SafetyScore    int       `json:"safety_score"`
	SecurityReport string    `json:"security_report,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	ErrorKind      ErrorKind `json:"error_kind,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Path returns the destination file path
func (t *Task) Path() string {
	return filepath.Join(t.SavePath, t.Name)
}

// Recount sets Downloaded to the sum of the segment counters
func (t *Task) Recount() {
	var total int64
	for _, seg := range t.Segments {
		total += seg.Downloaded
	}
	t.Downloaded = total
}

// IsComplete checks if all segments are done
func (t *Task) IsComplete() bool {
	if len(t.Segments) == 0 {
		return false
	}
	for _, seg := range t.Segments {
		if seg.State != SegmentDone {
			return false
		}
	}
	return true
}

// Clone returns a deep copy safe to hand out of the manager
func (t Task) Clone() Task {
	out := t
	if t.Segments != nil {
		out.Segments = append([]Segment(nil), t.Segments...)
	}
	if t.Tags != nil {
		out.Tags = append([]string(nil), t.Tags...)
	}
	return out
}

// Snapshot is the published view of a task
type Snapshot struct {
	Task
	Progress float64       `json:"progress"`
	Speed    float64       `json:"speed"`
	Bitfield []SectorState `json:"bitfield"`
	Threads  int           `json:"threads"`
}
