package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// execute drives one admitted task until it settles
func (m *Manager) execute(id string, run *taskRun) {
	defer m.runs.Done()

	logger := m.logger.With(zap.String("task_id", id))
	start := time.Now()
	err := m.transfer(id, run, logger)
	m.settle(id, run, err, logger, time.Since(start))
	close(run.done)
	m.signal()
}

func (m *Manager) taskCopy(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Task{}, false
	}
	return e.task.Clone(), true
}

// update applies fn to the stored task, marks it dirty and persists
func (m *Manager) update(id string, fn func(*Task)) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		fn(&e.task)
		e.task.UpdatedAt = time.Now()
		m.dirty[id] = struct{}{}
	}
	m.mu.Unlock()
	if ok {
		m.persist()
	}
}

func (m *Manager) transfer(id string, run *taskRun, logger *zap.Logger) error {
	task, ok := m.taskCopy(id)
	if !ok {
		return ErrCancelled
	}

	src, err := m.opts.Sources.Lookup(task.URL)
	if err != nil {
		return &TransferError{Op: "lookup", Err: err}
	}

	if !task.Probed || len(task.Segments) == 0 {
		info := m.probe(run.ctx, src, task.URL, logger)
		if run.ctx.Err() != nil {
			return ErrCancelled
		}
		m.replan(id, &task, info, !task.NamePinned)
		logger.Info("Task probed",
			zap.String("name", task.Name),
			zap.Int64("size", info.Size),
			zap.Bool("range_supported", info.RangeSupported),
			zap.String("content_type", info.ContentType),
			zap.String("etag", info.ETag),
			zap.Int("segments", len(task.Segments)))
	} else if task.Downloaded > 0 && task.ETag != "" {
		info := m.probe(run.ctx, src, task.URL, logger)
		if run.ctx.Err() != nil {
			return ErrCancelled
		}
		if remoteChanged(task, info) {
			logger.Warn("Remote resource changed, restarting from zero",
				zap.String("old_etag", task.ETag),
				zap.String("new_etag", info.ETag),
				zap.Int64("old_size", task.Size),
				zap.Int64("new_size", info.Size))
			m.replan(id, &task, info, false)
		}
	}

	if err := m.checkCapacity(task, logger); err != nil {
		return err
	}

	fresh := m.validateResume(&task, logger)

	writer, err := m.opts.OpenWriter(task.Path(), task.Size, fresh)
	if err != nil {
		return &WriteError{Err: err}
	}
	m.mu.Lock()
	if run.stop != stopNone {
		m.mu.Unlock()
		writer.Close()
		return ErrCancelled
	}
	run.writer = writer
	m.mu.Unlock()

	m.agg.Track(id, task.Size, task.Segments, task.Sectors)
	m.update(id, func(t *Task) {
		t.Status = StatusDownloading
		t.Segments = task.Segments
		t.Downloaded = task.Downloaded
	})
	logger.Info("Download started",
		zap.Int64("downloaded", task.Downloaded),
		zap.Int("threads", m.threadCap(task)))

	if err := m.runSegments(run, task, src, writer, logger); err != nil {
		return err
	}
	if run.ctx.Err() != nil {
		return ErrCancelled
	}
	return m.verify(id, task, writer, logger)
}

// replan records a probe result and plans the segments from zero. When
// rename is set the server supplied file name replaces the derived one.
func (m *Manager) replan(id string, task *Task, info ResourceInfo, rename bool) {
	task.Size = info.Size
	task.RangeSupported = info.RangeSupported
	task.ETag = info.ETag
	task.Probed = true
	task.Segments = m.planner.Plan(info.Size, info.RangeSupported, m.threadCap(*task))
	task.Recount()
	m.update(id, func(t *Task) {
		if name := cleanName(info.FileName); rename && name != "" && name != t.Name {
			t.Name = m.uniqueNameLocked(t.SavePath, name)
		}
		t.Size = task.Size
		t.RangeSupported = task.RangeSupported
		t.ETag = task.ETag
		t.Probed = true
		t.Segments = task.Segments
		t.Downloaded = 0
		task.Name = t.Name
	})
}

// remoteChanged reports whether a fresh probe contradicts the validator
// recorded when the partial data was fetched. An empty result means the
// probe failed and proves nothing.
func remoteChanged(task Task, info ResourceInfo) bool {
	if info.ETag == "" {
		return false
	}
	if info.ETag != task.ETag {
		return true
	}
	return info.Size > 0 && task.Size > 0 && info.Size != task.Size
}

func (m *Manager) probe(ctx context.Context, src Source, rawURL string, logger *zap.Logger) ResourceInfo {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	info, err := src.Probe(ctx, rawURL)
	if err != nil {
		// Probing is an optimisation; a plain stream still works.
		logger.Warn("Probe failed, falling back to a single stream", zap.Error(err))
		return ResourceInfo{}
	}
	return info
}

func (m *Manager) threadCap(t Task) int {
	m.mu.Lock()
	global := m.settings.GlobalMaxThreads
	m.mu.Unlock()
	return max(1, min(t.MaxThreads, global))
}

// checkCapacity compares the quota with the sizes of every other admitted
// task, then checks that the filesystem can hold the bytes still missing.
func (m *Manager) checkCapacity(task Task, logger *zap.Logger) error {
	if task.Size <= 0 {
		return nil
	}
	m.mu.Lock()
	quota := m.settings.DiskQuota
	var used int64
	for oid, e := range m.entries {
		if oid == task.ID || e.task.Status == StatusQueued {
			continue
		}
		used += e.task.Size
	}
	m.mu.Unlock()
	if quota > 0 && used+task.Size > quota {
		return &CapacityError{Required: task.Size, Available: max(0, quota-used)}
	}

	remaining := task.Size - task.Downloaded
	free, err := m.opts.FreeSpace(task.SavePath)
	if err != nil {
		logger.Debug("Free space unknown", zap.String("dir", task.SavePath), zap.Error(err))
		return nil
	}
	if remaining > free {
		return &CapacityError{Required: remaining, Available: free}
	}
	return nil
}

// validateResume reconciles the segment counters with the file on disk and
// reports whether the file should be created from scratch.
func (m *Manager) validateResume(task *Task, logger *zap.Logger) bool {
	task.Recount()
	if task.Downloaded == 0 {
		return true
	}

	reset := func(reason string) bool {
		logger.Warn("Restarting download from zero", zap.String("reason", reason))
		for i := range task.Segments {
			task.Segments[i].Downloaded = 0
			task.Segments[i].State = SegmentPending
		}
		task.Downloaded = 0
		return true
	}

	if !task.RangeSupported {
		return reset("source does not support ranges")
	}
	info, err := os.Stat(task.Path())
	if err != nil {
		return reset("output file missing")
	}

	onDisk := info.Size()
	for i := range task.Segments {
		seg := &task.Segments[i]
		if limit := onDisk - seg.Start; seg.Downloaded > limit {
			seg.Downloaded = max(0, limit)
		}
		if n := seg.Len(); n >= 0 && seg.Downloaded >= n {
			seg.Downloaded = n
			seg.State = SegmentDone
		} else {
			seg.State = SegmentPending
		}
	}
	task.Recount()
	logger.Info("Resuming download", zap.Int64("downloaded", task.Downloaded), zap.Int64("on_disk", onDisk))
	return false
}

// runSegments runs every unfinished segment, at most threadCap at a time.
// The first fatal error cancels the siblings; the most severe one is returned.
func (m *Manager) runSegments(run *taskRun, task Task, src Source, writer TaskWriter, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(run.ctx)
	defer cancel()

	var (
		errMu    sync.Mutex
		firstErr error
		wg       sync.WaitGroup
	)
	fail := func(err error) {
		errMu.Lock()
		if firstErr == nil || severity(err) > severity(firstErr) {
			firstErr = err
		}
		errMu.Unlock()
		cancel()
	}

	target := Target{URL: task.URL, Ranged: task.RangeSupported}
	sem := semaphore.NewWeighted(int64(m.threadCap(task)))
	for _, seg := range task.Segments {
		if seg.State == SegmentDone {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(seg Segment) {
			defer wg.Done()
			defer sem.Release(1)
			err := m.runSegment(ctx, task.ID, run, seg, src, target, writer, logger)
			if err != nil && !errors.Is(err, ErrCancelled) {
				fail(err)
			}
		}(seg)
	}
	wg.Wait()

	errMu.Lock()
	defer errMu.Unlock()
	if firstErr != nil {
		return firstErr
	}
	if run.ctx.Err() != nil {
		return ErrCancelled
	}
	return nil
}

// runSegment owns the retry policy of one segment
func (m *Manager) runSegment(ctx context.Context, taskID string, run *taskRun, seg Segment, src Source, target Target, writer TaskWriter, logger *zap.Logger) error {
	logger = logger.With(zap.Int("segment_id", seg.ID))
	backoff := m.opts.RetryBackoff
	onProgress := func(n int64) {
		m.agg.Record(ProgressEvent{TaskID: taskID, SegmentID: seg.ID, Delta: n})
	}

	for attempt := 0; ; attempt++ {
		seg.Downloaded = m.agg.SegmentWritten(taskID, seg.ID)
		m.agg.SetSegmentState(taskID, seg.ID, SegmentActive)
		run.threads.Add(1)
		_, err := m.worker.Run(ctx, seg, src, target, writer, onProgress)
		run.threads.Add(-1)

		if err == nil {
			m.agg.SetSegmentState(taskID, seg.ID, SegmentDone)
			return nil
		}
		m.agg.SetSegmentState(taskID, seg.ID, SegmentPending)

		if errors.Is(err, ErrCancelled) || !IsRetryable(err) {
			return err
		}
		if !target.Ranged && m.agg.SegmentWritten(taskID, seg.ID) > 0 {
			return err
		}
		if attempt >= m.opts.MaxRetries {
			logger.Error("Segment failed, retries exhausted", zap.Int("attempts", attempt+1), zap.Error(err))
			return err
		}

		logger.Warn("Segment failed, retrying", zap.Int("attempt", attempt+1), zap.Duration("backoff", backoff), zap.Error(err))
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ErrCancelled
		case <-timer.C:
		}
		backoff = min(backoff*2, m.opts.RetryMaxBackoff)
	}
}

// verify checks the written length and finalizes the file
func (m *Manager) verify(id string, task Task, writer TaskWriter, logger *zap.Logger) error {
	m.update(id, func(t *Task) { t.Status = StatusVerifying })

	downloaded := m.agg.Downloaded(id)
	size := task.Size
	if size <= 0 {
		size = downloaded
		m.agg.SetSize(id, size)
		if err := writer.Truncate(size); err != nil {
			return &WriteError{Offset: size, Err: err}
		}
	} else if downloaded != size {
		return &TransferError{Op: "verify", Err: fmt.Errorf("size mismatch: expected %d, got %d", size, downloaded)}
	}

	if err := writer.Finalize(); err != nil {
		return &WriteError{Offset: size, Err: err}
	}
	info, err := os.Stat(task.Path())
	if err != nil {
		return &WriteError{Err: err}
	}
	if info.Size() != size {
		return &TransferError{Op: "verify", Err: fmt.Errorf("file size mismatch: expected %d, got %d", size, info.Size())}
	}
	logger.Info("File size verified", zap.Int64("size", size))
	return nil
}

// settle releases the slot exactly once and records the outcome
func (m *Manager) settle(id string, run *taskRun, err error, logger *zap.Logger, elapsed time.Duration) {
	segs := m.agg.Segments(id)
	progress, tracked := m.agg.Snapshot(id)

	m.mu.Lock()
	m.active--
	writer := run.writer
	run.writer = nil
	stop := run.stop

	e, ok := m.entries[id]
	if ok && e.run == run {
		e.run = nil
		t := &e.task
		if tracked {
			t.Segments = segs
			t.Size = progress.Size
			t.Recount()
		}
		for i := range t.Segments {
			if t.Segments[i].State == SegmentActive {
				t.Segments[i].State = SegmentPending
			}
		}
		t.UpdatedAt = time.Now()

		var ce *CapacityError
		switch {
		case err == nil:
			t.Status = StatusCompleted
			t.LastError = ""
			t.ErrorKind = ""
		case stop != stopNone || errors.Is(err, ErrCancelled):
			t.Status = StatusPaused
		case errors.As(err, &ce):
			t.Status = StatusQueued
			t.LastError = err.Error()
			t.ErrorKind = KindCapacity
			e.blocked = true
		default:
			t.Status = StatusError
			t.LastError = err.Error()
			t.ErrorKind = Kind(err)
		}
		m.dirty[id] = struct{}{}
		status := t.Status

		m.mu.Unlock()
		m.logSettled(logger, status, err, elapsed)
	} else {
		m.mu.Unlock()
	}

	if writer != nil {
		if cerr := writer.Close(); cerr != nil {
			logger.Warn("Failed to close output file", zap.Error(cerr))
		}
	}
	m.agg.Forget(id)

	if ok {
		m.persist()
	}
}

func (m *Manager) logSettled(logger *zap.Logger, status Status, err error, elapsed time.Duration) {
	switch status {
	case StatusCompleted:
		logger.Info("Download completed", zap.Duration("elapsed", elapsed))
	case StatusPaused:
		logger.Info("Download paused")
	case StatusQueued:
		logger.Warn("Download waiting for capacity", zap.Error(err))
	default:
		logger.Error("Download failed", zap.Error(err))
	}
}
