package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultBufferSize   = 32 * 1024
	DefaultStallTimeout = 30 * time.Second
)

// Target names what a worker fetches. Ranged is false for servers that
// only serve the whole body.
type Target struct {
	URL    string
	Ranged bool
}

// SegmentWorker streams one segment from a source into a sink
type SegmentWorker struct {
	BufferSize   int
	StallTimeout time.Duration
	// Limiter is shared by every worker of every task. Nil means unlimited.
	Limiter *rate.Limiter
}

// Run fetches the remainder of seg, starting at seg.Start+seg.Downloaded, and
// writes it at the matching offsets of sink. onProgress is called after each
// successful write with the number of bytes written. Run returns the bytes it
// wrote; on error the caller keeps them as the segment's progress.
func (w SegmentWorker) Run(ctx context.Context, seg Segment, src Source, target Target, sink io.WriterAt, onProgress func(int64)) (int64, error) {
	offset := seg.Start + seg.Downloaded
	if seg.End >= 0 && offset >= seg.End {
		return 0, nil
	}
	if !target.Ranged && offset != 0 {
		return 0, &TransferError{Op: "resume", Err: errors.New("source does not support ranges")}
	}

	bufSize := w.BufferSize
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	stall := w.StallTimeout
	if stall <= 0 {
		stall = DefaultStallTimeout
	}

	fetchCtx, cancelFetch := context.WithCancel(ctx)
	defer cancelFetch()

	var stalled atomic.Bool
	watchdog := time.AfterFunc(stall, func() {
		stalled.Store(true)
		cancelFetch()
	})
	defer watchdog.Stop()

	body, err := src.Fetch(fetchCtx, FetchRequest{
		URL:    target.URL,
		Start:  offset,
		End:    seg.End,
		Ranged: target.Ranged,
	})
	if err != nil {
		return 0, w.classify(ctx, &stalled, err)
	}
	defer body.Close()

	buf := make([]byte, bufSize)
	var written int64
	for {
		want := len(buf)
		if seg.End >= 0 {
			if remaining := seg.End - offset; remaining < int64(want) {
				want = int(remaining)
			}
		}
		if want == 0 {
			return written, nil
		}

		watchdog.Reset(stall)
		n, readErr := body.Read(buf[:want])
		if n > 0 {
			// The limiter can legitimately hold us longer than the stall timeout.
			watchdog.Stop()
			if err := w.wait(ctx, n); err != nil {
				return written, err
			}
			if _, err := sink.WriteAt(buf[:n], offset); err != nil {
				return written, &WriteError{Offset: offset, Err: err}
			}
			offset += int64(n)
			written += int64(n)
			if onProgress != nil {
				onProgress(int64(n))
			}
		}

		if readErr == nil {
			continue
		}
		if readErr == io.EOF {
			if seg.End >= 0 && offset < seg.End {
				return written, &TransferError{Op: "read", Retryable: true, Err: io.ErrUnexpectedEOF}
			}
			return written, nil
		}
		return written, w.classify(ctx, &stalled, readErr)
	}
}

func (w SegmentWorker) wait(ctx context.Context, n int) error {
	if w.Limiter == nil || w.Limiter.Limit() == rate.Inf {
		return nil
	}
	burst := w.Limiter.Burst()
	for n > 0 {
		take := n
		if burst > 0 && take > burst {
			take = burst
		}
		if err := w.Limiter.WaitN(ctx, take); err != nil {
			if ctx.Err() != nil {
				return ErrCancelled
			}
			return fmt.Errorf("rate limiter: %w", err)
		}
		n -= take
	}
	return nil
}

func (w SegmentWorker) classify(ctx context.Context, stalled *atomic.Bool, err error) error {
	switch {
	case ctx.Err() != nil:
		return ErrCancelled
	case stalled.Load():
		return &TransferError{Op: "read", Retryable: true, Err: ErrStalled}
	case errors.Is(err, ErrCancelled):
		return err
	}
	var te *TransferError
	if errors.As(err, &te) {
		return err
	}
	return &TransferError{Op: "read", Retryable: true, Err: err}
}
