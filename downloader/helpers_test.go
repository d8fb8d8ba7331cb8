package downloader

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

func testData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}

// memSource serves a byte slice. Reads can be held at a per-request offset
// until gate is closed.
type memSource struct {
	data           []byte
	rangeSupported bool
	probeErr       error
	fileName       string
	etag           string

	mu        sync.Mutex
	requests  []FetchRequest
	holdAfter int64 // bytes served per request before holding; -1 disables
	gate      chan struct{}
	failures  int   // fetches left that fail with a retryable error
	fatal     error // when set, every fetch fails with it
	inflight  int
	peak      int
}

func newMemSource(data []byte) *memSource {
	return &memSource{data: data, rangeSupported: true, holdAfter: -1, gate: make(chan struct{})}
}

func (s *memSource) Probe(ctx context.Context, rawURL string) (ResourceInfo, error) {
	if s.probeErr != nil {
		return ResourceInfo{}, s.probeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return ResourceInfo{
		Size:           int64(len(s.data)),
		RangeSupported: s.rangeSupported,
		FileName:       s.fileName,
		ETag:           s.etag,
	}, nil
}

// replace swaps the served content as if the remote file was republished
func (s *memSource) replace(data []byte, etag string) {
	s.mu.Lock()
	s.data = data
	s.etag = etag
	s.mu.Unlock()
}

func (s *memSource) Fetch(ctx context.Context, req FetchRequest) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.fatal != nil {
		return nil, s.fatal
	}
	if s.failures > 0 {
		s.failures--
		return nil, &TransferError{Op: "get", StatusCode: 503, Retryable: true, Err: errors.New("unavailable")}
	}

	body := s.data
	if req.Ranged {
		end := int64(len(s.data))
		if req.End >= 0 && req.End < end {
			end = req.End
		}
		body = s.data[req.Start:end]
	}
	s.inflight++
	s.peak = max(s.peak, s.inflight)
	return &memReader{src: s, ctx: ctx, data: body, limit: s.holdAfter}, nil
}

func (s *memSource) hold(n int64) {
	s.mu.Lock()
	s.holdAfter = n
	s.mu.Unlock()
}

func (s *memSource) release() {
	s.mu.Lock()
	s.holdAfter = -1
	close(s.gate)
	s.mu.Unlock()
}

func (s *memSource) Requests() []FetchRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FetchRequest(nil), s.requests...)
}

func (s *memSource) resetRequests() {
	s.mu.Lock()
	s.requests = nil
	s.mu.Unlock()
}

func (s *memSource) Peak() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

type memReader struct {
	src    *memSource
	ctx    context.Context
	data   []byte
	pos    int
	limit  int64
	closed atomic.Bool
}

func (r *memReader) Read(p []byte) (int, error) {
	if r.limit >= 0 && int64(r.pos) >= r.limit {
		select {
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		case <-r.src.gate:
			r.limit = -1
		}
	}
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	end := min(len(r.data), r.pos+len(p), r.pos+8*1024)
	if r.limit >= 0 {
		end = min(end, int(r.limit))
	}
	n := copy(p, r.data[r.pos:end])
	r.pos += n
	return n, nil
}

func (r *memReader) Close() error {
	if r.closed.CompareAndSwap(false, true) {
		r.src.mu.Lock()
		r.src.inflight--
		r.src.mu.Unlock()
	}
	return nil
}

// memStore is an in-memory TaskStore
type memStore struct {
	mu    sync.Mutex
	tasks map[string]Task
	saves int
}

func newMemStore(tasks ...Task) *memStore {
	s := &memStore{tasks: make(map[string]Task)}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return s
}

func (s *memStore) SaveAll(ctx context.Context, tasks []Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	for _, t := range tasks {
		s.tasks[t.ID] = t.Clone()
	}
	return nil
}

func (s *memStore) LoadAll(ctx context.Context) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *memStore) Get(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// failingWriter fails every write once failAfter bytes have been written
type failingWriter struct {
	TaskWriter
	failAfter int64
	written   atomic.Int64
	failed    atomic.Bool
	attempts  atomic.Int64 // writes attempted after the first failure
}

func (w *failingWriter) WriteAt(p []byte, off int64) (int, error) {
	if w.failed.Load() {
		w.attempts.Add(1)
		return 0, errors.New("disk full")
	}
	if w.written.Add(int64(len(p))) > w.failAfter {
		w.failed.Store(true)
		return 0, errors.New("disk full")
	}
	return w.TaskWriter.WriteAt(p, off)
}

// recordingPublisher keeps the last snapshot per task
type recordingPublisher struct {
	mu      sync.Mutex
	last    map[string]Snapshot
	removed []string
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{last: make(map[string]Snapshot)}
}

func (p *recordingPublisher) Publish(ctx context.Context, snap Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last[snap.ID] = snap
	return nil
}

func (p *recordingPublisher) Remove(ctx context.Context, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.last, taskID)
	p.removed = append(p.removed, taskID)
	return nil
}

func (p *recordingPublisher) Last(id string) (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.last[id]
	return s, ok
}
