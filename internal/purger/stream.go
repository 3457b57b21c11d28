package purger

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// maxLineSize bounds a single input line. Lines longer than an HTCP packet
// can carry are still read so they surface as encode errors.
const maxLineSize = 1 << 20

// StreamOptions configures PurgeStream.
type StreamOptions struct {
	// BatchSize flushes once this many URLs are pending. Zero means 100.
	BatchSize int

	// FlushInterval flushes pending URLs at least this often. Zero means
	// 500ms.
	FlushInterval time.Duration

	// OnBatch is called after every flushed batch with its report and
	// joined error. Nil ignores batch results.
	OnBatch func(*Report, error)
}

// PurgeStream reads newline-delimited URLs from r and purges them in
// batches. Blank lines and lines starting with '#' are skipped. It returns
// nil at EOF after the last batch, the read error if reading fails, or
// ctx.Err() once ctx is done. URLs already read when ctx ends are still
// flushed. Per-URL failures go to OnBatch and do not stop the stream.
//
// Reading happens on a separate goroutine. When ctx ends and r implements
// io.Closer, r is closed so a blocked Read returns. Otherwise the caller
// must close r to release that goroutine.
func (p *Purger) PurgeStream(ctx context.Context, r io.Reader, opts StreamOptions) error {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}

	lines := make(chan string, opts.BatchSize)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		readErr <- scanLines(ctx, r, lines)
	}()

	ticker := time.NewTicker(opts.FlushInterval)
	defer ticker.Stop()

	pending := make([]string, 0, opts.BatchSize)
	flush := func(ctx context.Context) {
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = make([]string, 0, opts.BatchSize)

		report, err := p.Purge(ctx, batch)
		if opts.OnBatch != nil {
			opts.OnBatch(report, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if c, ok := r.(io.Closer); ok {
				_ = c.Close() // Unblocks the reader goroutine
			}
			flush(context.WithoutCancel(ctx))
			return ctx.Err()

		case <-ticker.C:
			flush(ctx)

		case line, ok := <-lines:
			if !ok {
				flush(ctx)
				err := <-readErr
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return ctx.Err()
				}
				return err
			}
			pending = append(pending, line)
			if len(pending) >= opts.BatchSize {
				flush(ctx)
			}
		}
	}
}

func scanLines(ctx context.Context, r io.Reader, out chan<- string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		select {
		case out <- line:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return scanner.Err()
}
