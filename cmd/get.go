package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"downloadgrid/downloader"
)

var (
	getOutput  string
	getDir     string
	getThreads int
)

var getCmd = &cobra.Command{
	Use:   "get <url>",
	Short: "Download one url in the foreground, resuming an earlier attempt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if getThreads < 0 {
			return errors.New("threads must not be negative")
		}
		if getDir != "" {
			cfg.Downloads.SavePath = getDir
		}
		// one task at a time; the rest of the list stays paused
		cfg.Downloads.ConcurrentTasks = 1

		logger, _, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		progress := newProgressPrinter(cmd.OutOrStdout())
		a, err := newApp(ctx, cfg, logger, progress)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.manager.Start(ctx); err != nil {
			return err
		}

		task, err := startOrResume(ctx, a.manager, downloader.Request{
			URL:        args[0],
			Name:       getOutput,
			SavePath:   cfg.Downloads.SavePath,
			MaxThreads: getThreads,
		})
		if err != nil {
			a.manager.Stop()
			return err
		}
		progress.follow(a.manager, task.ID)

		var final downloader.Snapshot
		select {
		case final = <-progress.done:
		case <-ctx.Done():
		}
		a.manager.Stop()
		fmt.Fprintln(cmd.OutOrStdout())

		if ctx.Err() != nil {
			fmt.Fprintln(cmd.OutOrStdout(), "Download paused. Run the same command again to resume the download.")
			return nil
		}
		if final.Status == downloader.StatusError {
			return fmt.Errorf("download failed: %s", final.LastError)
		}

		logger.Info("Download completed",
			zap.String("task_id", final.ID),
			zap.String("path", final.Path()),
			zap.Int64("bytes", final.Downloaded))
		fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%s)\n", final.Path(), humanBytes(final.Downloaded))
		return nil
	},
}

// startOrResume resumes an unfinished task for the same url and destination
// before creating a new one
func startOrResume(ctx context.Context, m *downloader.Manager, req downloader.Request) (downloader.Task, error) {
	for _, snap := range m.List() {
		if snap.URL != req.URL || snap.Status == downloader.StatusCompleted {
			continue
		}
		if filepath.Clean(snap.SavePath) != filepath.Clean(req.SavePath) {
			continue
		}
		if req.Name != "" && snap.Name != filepath.Base(req.Name) {
			continue
		}
		if err := m.Resume(ctx, snap.ID); err != nil {
			return downloader.Task{}, err
		}
		return snap.Task, nil
	}
	return m.Submit(ctx, req)
}

// progressPrinter renders a single status line for the followed task
type progressPrinter struct {
	out  io.Writer
	done chan downloader.Snapshot

	mu       sync.Mutex
	id       string
	finished bool
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{out: out, done: make(chan downloader.Snapshot, 1)}
}

// follow starts rendering id. The current snapshot is printed at once in
// case the task settled before the first publish reached us.
func (p *progressPrinter) follow(m *downloader.Manager, id string) {
	p.mu.Lock()
	p.id = id
	p.mu.Unlock()

	if snap, err := m.Get(id); err == nil {
		p.Publish(context.Background(), snap)
	}
}

// Publish implements downloader.Publisher
func (p *progressPrinter) Publish(ctx context.Context, snap downloader.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if snap.ID != p.id || p.finished {
		return nil
	}

	fmt.Fprintf(p.out, "\r%-11s %6.2f%%  %s / %s  %s/s  threads %d   ",
		snap.Status, snap.Progress,
		humanBytes(snap.Downloaded), humanBytes(snap.Size),
		humanBytes(int64(snap.Speed)), snap.Threads)

	if snap.Status.Terminal() {
		p.finished = true
		p.done <- snap
	}
	return nil
}

// Remove implements downloader.Publisher
func (p *progressPrinter) Remove(ctx context.Context, taskID string) error {
	return nil
}

func humanBytes(n int64) string {
	if n < 0 {
		return "?"
	}
	return humanize.IBytes(uint64(n))
}

func init() {
	getCmd.Flags().StringVarP(&getOutput, "output", "o", "", "Output file name (inferred from the url if empty)")
	getCmd.Flags().StringVarP(&getDir, "dir", "d", "", "Directory to save into (defaults to downloads.save_path)")
	getCmd.Flags().IntVarP(&getThreads, "threads", "t", 0, "Connections for this download (defaults to downloads.default_max_threads)")
	rootCmd.AddCommand(getCmd)
}
