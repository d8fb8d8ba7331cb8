package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"downloadgrid/advisor"
)

// Settings are the user-facing limits read at admission time
type Settings struct {
	ConcurrentTaskLimit int    `json:"concurrent_tasks"`
	GlobalMaxThreads    int    `json:"global_max_threads"`
	DefaultMaxThreads   int    `json:"default_max_threads"`
	DefaultSavePath     string `json:"default_save_path"`
	AIEnabled           bool   `json:"ai_enabled"`
	// DiskQuota caps the summed size of all admitted tasks. 0 is unlimited.
	DiskQuota int64 `json:"disk_quota"`
	// SpeedLimit is bytes per second across all tasks. 0 is unlimited.
	SpeedLimit int64 `json:"speed_limit"`
}

// DefaultSettings returns the settings used when none are configured
func DefaultSettings() Settings {
	return Settings{
		ConcurrentTaskLimit: 3,
		GlobalMaxThreads:    128,
		DefaultMaxThreads:   8,
		DefaultSavePath:     "downloads",
	}
}

// Validate checks the settings for values the scheduler cannot work with
func (s Settings) Validate() error {
	switch {
	case s.ConcurrentTaskLimit < 1:
		return fmt.Errorf("concurrent_tasks must be at least 1")
	case s.GlobalMaxThreads < 1:
		return fmt.Errorf("global_max_threads must be at least 1")
	case s.DefaultMaxThreads < 1:
		return fmt.Errorf("default_max_threads must be at least 1")
	case s.DiskQuota < 0:
		return fmt.Errorf("disk_quota must not be negative")
	case s.SpeedLimit < 0:
		return fmt.Errorf("speed_limit must not be negative")
	}
	return nil
}

// TaskStore persists the task list
type TaskStore interface {
	SaveAll(ctx context.Context, tasks []Task) error
	LoadAll(ctx context.Context) ([]Task, error)
	Delete(ctx context.Context, id string) error
}

// Publisher receives task snapshots
type Publisher interface {
	Publish(ctx context.Context, snap Snapshot) error
	Remove(ctx context.Context, taskID string) error
}

// Advisor analyses a url before a task is created
type Advisor interface {
	Analyze(ctx context.Context, rawURL string) advisor.Analysis
}

// Options configure a Manager. Zero values get defaults.
type Options struct {
	Settings   Settings
	Sources    Sources
	Store      TaskStore
	Advisor    Advisor
	Publishers []Publisher
	Logger     *zap.Logger

	MinSegmentSize  int64
	Sectors         int
	BufferSize      int
	StallTimeout    time.Duration
	ProbeTimeout    time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
	PublishInterval time.Duration
	PersistInterval time.Duration

	// OpenWriter opens the destination of a task. Defaults to OpenForTask.
	OpenWriter func(path string, size int64, fresh bool) (TaskWriter, error)
	// FreeSpace reports the bytes available under a directory. Defaults to
	// the filesystem statistics of the host.
	FreeSpace func(dir string) (int64, error)
}

func (o *Options) setDefaults() {
	if o.Settings == (Settings{}) {
		o.Settings = DefaultSettings()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.MinSegmentSize <= 0 {
		o.MinSegmentSize = DefaultMinSegmentSize
	}
	if o.Sectors <= 0 {
		o.Sectors = 64
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = DefaultStallTimeout
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 30 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
	if o.RetryMaxBackoff <= 0 {
		o.RetryMaxBackoff = 30 * time.Second
	}
	if o.PublishInterval <= 0 {
		o.PublishInterval = 250 * time.Millisecond
	}
	if o.PersistInterval <= 0 {
		o.PersistInterval = 5 * time.Second
	}
	if o.OpenWriter == nil {
		o.OpenWriter = func(path string, size int64, fresh bool) (TaskWriter, error) {
			return OpenForTask(path, size, fresh)
		}
	}
	if o.FreeSpace == nil {
		o.FreeSpace = FreeSpace
	}
}

// Request describes a new download
type Request struct {
	URL        string `json:"url"`
	Name       string `json:"name,omitempty"`
	SavePath   string `json:"save_path,omitempty"`
	MaxThreads int    `json:"max_threads,omitempty"`
}

// Stats summarises the task list
type Stats struct {
	Total      int     `json:"total"`
	Active     int     `json:"active"`
	Queued     int     `json:"queued"`
	Paused     int     `json:"paused"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Downloaded int64   `json:"downloaded"`
	Speed      float64 `json:"speed"`
}

type stopReason int

const (
	stopNone stopReason = iota
	stopPause
	stopDelete
	stopShutdown
)

// taskRun holds the live handles of a running task. None of it is persisted.
type taskRun struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// guarded by Manager.mu
	writer TaskWriter
	stop   stopReason

	threads atomic.Int32
}

type entry struct {
	task    Task
	run     *taskRun
	blocked bool
}

// Manager schedules tasks, runs their segments and keeps the task list
type Manager struct {
	opts    Options
	logger  *zap.Logger
	planner Planner
	worker  SegmentWorker
	agg     *Aggregator
	limiter *rate.Limiter

	mu       sync.Mutex
	settings Settings
	entries  map[string]*entry
	order    []string
	active   int
	dirty    map[string]struct{}
	started  bool
	stopped  bool

	// persistMu orders snapshot collection with store writes and deletes
	persistMu sync.Mutex

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	loops  sync.WaitGroup
	runs   sync.WaitGroup
}

// NewManager creates a manager. Call Start to restore tasks and begin scheduling.
func NewManager(opts Options) (*Manager, error) {
	opts.setDefaults()
	if err := opts.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	if len(opts.Sources) == 0 {
		return nil, errors.New("at least one source is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:     opts,
		logger:   opts.Logger.With(zap.String("component", "manager")),
		planner:  Planner{MinSegmentSize: opts.MinSegmentSize},
		agg:      NewAggregator(opts.PublishInterval),
		limiter:  rate.NewLimiter(rate.Inf, 0),
		settings: opts.Settings,
		entries:  make(map[string]*entry),
		dirty:    make(map[string]struct{}),
		kick:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.applySpeedLimit(opts.Settings.SpeedLimit)
	m.worker = SegmentWorker{
		BufferSize:   opts.BufferSize,
		StallTimeout: opts.StallTimeout,
		Limiter:      m.limiter,
	}
	return m, nil
}

// Start restores the persisted task list and starts the scheduling loop.
// Tasks that were in flight come back paused.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("manager already started")
	}
	m.started = true
	m.mu.Unlock()

	if m.opts.Store != nil {
		tasks, err := m.opts.Store.LoadAll(ctx)
		if err != nil {
			return fmt.Errorf("failed to load tasks: %w", err)
		}
		m.restore(tasks)
	}

	m.loops.Add(1)
	go m.loop()
	m.signal()
	m.logger.Info("Manager started", zap.Int("tasks", len(m.order)))
	return nil
}

func (m *Manager) restore(tasks []Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tasks {
		if _, exists := m.entries[t.ID]; exists {
			continue
		}
		if t.Status != StatusPaused && !t.Status.Terminal() {
			t.Status = StatusPaused
		}
		for i := range t.Segments {
			if t.Segments[i].State == SegmentActive {
				t.Segments[i].State = SegmentPending
			}
		}
		t.Recount()
		if t.Sectors <= 0 {
			t.Sectors = m.opts.Sectors
		}
		m.entries[t.ID] = &entry{task: t}
		m.order = append(m.order, t.ID)
		m.dirty[t.ID] = struct{}{}
	}
}

// Stop pauses every running task, waits for the runs to settle and saves
// the task list.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	for _, e := range m.entries {
		if e.run != nil {
			e.run.stop = stopShutdown
			e.run.cancel()
		}
	}
	m.mu.Unlock()

	m.runs.Wait()
	m.cancel()
	m.loops.Wait()

	m.publishDirty(context.Background())
	m.persist()
	m.logger.Info("Manager stopped")
}

func (m *Manager) signal() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) loop() {
	defer m.loops.Done()

	admit := time.NewTicker(time.Second)
	defer admit.Stop()
	publish := time.NewTicker(m.opts.PublishInterval)
	defer publish.Stop()
	checkpoint := time.NewTicker(m.opts.PersistInterval)
	defer checkpoint.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.kick:
			m.schedule()
		case <-admit.C:
			m.schedule()
		case <-publish.C:
			m.publishDirty(m.ctx)
		case <-checkpoint.C:
			if m.ActiveCount() > 0 {
				m.persist()
			}
		}
	}
}

// schedule admits queued tasks until the concurrency limit is reached
func (m *Manager) schedule() {
	for {
		id, run, ok := m.admit()
		if !ok {
			return
		}
		go m.execute(id, run)
	}
}

// admit picks the oldest eligible queued task and acquires its slot. The
// check and the acquire happen under one lock.
func (m *Manager) admit() (string, *taskRun, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || m.active >= m.settings.ConcurrentTaskLimit {
		return "", nil, false
	}
	for _, id := range m.order {
		e := m.entries[id]
		if e.task.Status != StatusQueued || e.blocked || e.run != nil {
			continue
		}
		ctx, cancel := context.WithCancel(m.ctx)
		run := &taskRun{ctx: ctx, cancel: cancel, done: make(chan struct{})}
		e.run = run
		e.task.Status = StatusConnecting
		e.task.UpdatedAt = time.Now()
		m.active++
		m.dirty[id] = struct{}{}
		m.runs.Add(1)
		return id, run, true
	}
	return "", nil, false
}

// Submit creates a queued task
func (m *Manager) Submit(ctx context.Context, req Request) (Task, error) {
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		return Task{}, fmt.Errorf("%w: empty url", ErrUnsupportedScheme)
	}
	if _, err := m.opts.Sources.Lookup(req.URL); err != nil {
		return Task{}, err
	}

	settings := m.Settings()
	analysis := advisor.Heuristic(req.URL)
	if settings.AIEnabled && m.opts.Advisor != nil {
		analysis = m.opts.Advisor.Analyze(ctx, req.URL)
	}

	name, pinned := cleanName(req.Name), true
	if name == "" {
		name, pinned = analysis.SuggestedName, false
	}
	savePath := req.SavePath
	if savePath == "" {
		savePath = settings.DefaultSavePath
	}
	threads := req.MaxThreads
	if threads <= 0 {
		threads = settings.DefaultMaxThreads
	}
	threads = min(threads, settings.GlobalMaxThreads)

	now := time.Now()
	task := Task{
		ID:             uuid.New().String(),
		URL:            req.URL,
		SavePath:       savePath,
		Status:         StatusQueued,
		MaxThreads:     threads,
		NamePinned:     pinned,
		Sectors:        m.opts.Sectors,
		FileType:       string(analysis.FileType),
		Description:    analysis.Description,
		Tags:           analysis.Tags,
		SafetyScore:    analysis.SafetyScore,
		SecurityReport: analysis.SecurityReport,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	m.mu.Lock()
	task.Name = m.uniqueNameLocked(savePath, name)
	m.entries[task.ID] = &entry{task: task}
	m.order = append(m.order, task.ID)
	m.dirty[task.ID] = struct{}{}
	m.mu.Unlock()

	m.logger.Info("Task submitted",
		zap.String("task_id", task.ID),
		zap.String("url", task.URL),
		zap.String("name", task.Name),
		zap.Int("max_threads", threads))

	m.persist()
	m.signal()
	return task.Clone(), nil
}

// cleanName reduces a caller or server supplied name to a bare file name,
// or "" when nothing usable is left.
func cleanName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	switch name {
	case ".", "..", string(filepath.Separator):
		return ""
	}
	return name
}

// uniqueNameLocked appends _1, _2, ... until the path is used neither by
// another task nor by a file on disk.
func (m *Manager) uniqueNameLocked(dir, name string) string {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	candidate := name
	for i := 1; ; i++ {
		path := filepath.Join(dir, candidate)
		if !m.pathTakenLocked(path) {
			if _, err := os.Stat(path); os.IsNotExist(err) {
				return candidate
			}
		}
		candidate = fmt.Sprintf("%s_%d%s", base, i, ext)
	}
}

func (m *Manager) pathTakenLocked(path string) bool {
	for _, e := range m.entries {
		if e.task.Path() == path {
			return true
		}
	}
	return false
}

// Pause stops a queued or running task, keeping its byte offsets. It waits
// until the workers have exited.
func (m *Manager) Pause(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}

	switch {
	case e.task.Status == StatusPaused:
		m.mu.Unlock()
		return nil
	case e.task.Status == StatusQueued && e.run == nil:
		e.task.Status = StatusPaused
		e.task.UpdatedAt = time.Now()
		e.blocked = false
		m.dirty[id] = struct{}{}
		m.mu.Unlock()
		m.persist()
		return nil
	case e.run != nil:
		run := e.run
		if run.stop == stopNone {
			run.stop = stopPause
		}
		run.cancel()
		m.mu.Unlock()

		select {
		case <-run.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		status := e.task.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot pause a %s task", ErrInvalidState, status)
	}
}

// Resume queues a paused or failed task again
func (m *Manager) Resume(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	switch e.task.Status {
	case StatusPaused, StatusError:
	case StatusQueued:
		// A task held back for capacity is admitted again on request.
		retry := e.blocked
		e.blocked = false
		m.mu.Unlock()
		if retry {
			m.signal()
		}
		return nil
	case StatusConnecting, StatusDownloading, StatusVerifying:
		m.mu.Unlock()
		return nil
	default:
		status := e.task.Status
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot resume a %s task", ErrInvalidState, status)
	}
	e.task.Status = StatusQueued
	e.task.LastError = ""
	e.task.ErrorKind = ""
	e.task.UpdatedAt = time.Now()
	e.blocked = false
	m.dirty[id] = struct{}{}
	m.mu.Unlock()

	m.logger.Info("Task resumed", zap.String("task_id", id))
	m.persist()
	m.signal()
	return nil
}

// Delete removes a task in any state. The downloaded file is kept unless
// purge is set.
func (m *Manager) Delete(ctx context.Context, id string, purge bool) error {
	m.persistMu.Lock()
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		m.persistMu.Unlock()
		return ErrTaskNotFound
	}
	delete(m.entries, id)
	delete(m.dirty, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	// Freed quota may unblock other tasks.
	for _, other := range m.entries {
		other.blocked = false
	}
	run := e.run
	if run != nil {
		run.stop = stopDelete
		run.cancel()
	}
	m.mu.Unlock()

	var storeErr error
	if m.opts.Store != nil {
		storeErr = m.opts.Store.Delete(ctx, id)
	}
	m.persistMu.Unlock()

	if run != nil {
		select {
		case <-run.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, p := range m.opts.Publishers {
		if err := p.Remove(ctx, id); err != nil {
			m.logger.Warn("Failed to remove task from publisher", zap.String("task_id", id), zap.Error(err))
		}
	}

	if purge {
		if err := os.Remove(e.task.Path()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove file: %w", err)
		}
	}

	m.logger.Info("Task deleted", zap.String("task_id", id), zap.Bool("purge", purge))
	m.signal()
	if storeErr != nil {
		return fmt.Errorf("failed to delete persisted task: %w", storeErr)
	}
	return nil
}

// Get returns the current snapshot of one task
func (m *Manager) Get(id string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Snapshot{}, ErrTaskNotFound
	}
	return m.snapshotLocked(e), nil
}

// List returns snapshots of all tasks in submission order
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.snapshotLocked(m.entries[id]))
	}
	return out
}

// Stats summarises all tasks
func (m *Manager) Stats() Stats {
	var s Stats
	for _, snap := range m.List() {
		s.Total++
		s.Downloaded += snap.Downloaded
		s.Speed += snap.Speed
		switch snap.Status {
		case StatusQueued:
			s.Queued++
		case StatusPaused:
			s.Paused++
		case StatusCompleted:
			s.Completed++
		case StatusError:
			s.Failed++
		default:
			s.Active++
		}
	}
	return s
}

// ActiveCount returns the number of tasks holding a scheduler slot
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Settings returns the current settings
func (m *Manager) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// UpdateSettings replaces the settings. Running tasks keep their thread
// count; the new limits apply from the next admission.
func (m *Manager) UpdateSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.settings = s
	for _, e := range m.entries {
		e.blocked = false
	}
	m.mu.Unlock()

	m.applySpeedLimit(s.SpeedLimit)
	m.logger.Info("Settings updated",
		zap.Int("concurrent_tasks", s.ConcurrentTaskLimit),
		zap.Int("global_max_threads", s.GlobalMaxThreads),
		zap.Int64("speed_limit", s.SpeedLimit))
	m.signal()
	return nil
}

func (m *Manager) applySpeedLimit(bytesPerSec int64) {
	if bytesPerSec <= 0 {
		m.limiter.SetLimit(rate.Inf)
		return
	}
	m.limiter.SetLimit(rate.Limit(bytesPerSec))
	m.limiter.SetBurst(max(int(bytesPerSec), m.opts.BufferSize))
}

// snapshotLocked builds the published view of an entry. Caller holds m.mu.
func (m *Manager) snapshotLocked(e *entry) Snapshot {
	t := e.task.Clone()
	if e.run != nil {
		if p, ok := m.agg.Snapshot(t.ID); ok {
			t.Downloaded = p.Downloaded
			t.Size = p.Size
			t.Segments = m.agg.Segments(t.ID)
			return Snapshot{
				Task:     t,
				Progress: p.Percent,
				Speed:    p.Speed,
				Bitfield: p.Bitfield,
				Threads:  int(e.run.threads.Load()),
			}
		}
	}
	p := staticProgress(t)
	return Snapshot{Task: t, Progress: p.Percent, Bitfield: p.Bitfield}
}

// staticProgress computes progress for a task that is not running
func staticProgress(t Task) Progress {
	tp := &taskProgress{size: t.Size, sectors: t.Sectors, segments: make([]*segmentCounter, len(t.Segments))}
	for i, seg := range t.Segments {
		c := &segmentCounter{start: seg.Start, end: seg.End, state: seg.State}
		c.downloaded.Store(seg.Downloaded)
		tp.segments[i] = c
	}
	downloaded := tp.total()
	return Progress{
		Downloaded: downloaded,
		Size:       t.Size,
		Percent:    percent(downloaded, t.Size),
		Bitfield:   tp.bitfield(),
	}
}

// publishDirty sends snapshots of changed and running tasks to every publisher
func (m *Manager) publishDirty(ctx context.Context) {
	if len(m.opts.Publishers) == 0 {
		m.mu.Lock()
		clear(m.dirty)
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	var snaps []Snapshot
	for _, id := range m.order {
		e := m.entries[id]
		if _, dirty := m.dirty[id]; dirty || e.run != nil {
			snaps = append(snaps, m.snapshotLocked(e))
		}
	}
	clear(m.dirty)
	m.mu.Unlock()

	for _, snap := range snaps {
		for _, p := range m.opts.Publishers {
			if err := p.Publish(ctx, snap); err != nil {
				m.logger.Warn("Failed to publish snapshot", zap.String("task_id", snap.ID), zap.Error(err))
			}
		}
	}
}

// persist saves the whole task list. Live counters are read before the
// open files are synced, so a saved counter never covers unsynced bytes.
func (m *Manager) persist() {
	if m.opts.Store == nil {
		return
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	tasks := make([]Task, 0, len(m.order))
	var writers []TaskWriter
	for _, id := range m.order {
		e := m.entries[id]
		t := e.task.Clone()
		if e.run != nil {
			if segs := m.agg.Segments(id); segs != nil {
				t.Segments = segs
				t.Recount()
			}
			if e.run.writer != nil {
				writers = append(writers, e.run.writer)
			}
		}
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	for _, w := range writers {
		if err := w.Sync(); err != nil && !errors.Is(err, ErrWriterClosed) {
			m.logger.Warn("Failed to sync output file", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.opts.Store.SaveAll(ctx, tasks); err != nil {
		m.logger.Error("Failed to persist tasks", zap.Error(err))
	}
}
