package collector

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/malbeclabs/lakesink/pkg/protocol"
)

// WriterCollector writes forwarded messages as JSON lines. Each line is
// flushed before Forward returns so the reader can checkpoint it.
type WriterCollector struct {
	mu sync.Mutex
	w  *bufio.Writer
}

type WriterCollectorOption func(*writerOptions)

type writerOptions struct {
	w io.Writer
}

// WithWriter sets a custom writer (defaults to os.Stdout).
func WithWriter(w io.Writer) WriterCollectorOption {
	return func(o *writerOptions) {
		o.w = w
	}
}

func NewWriterCollector(opts ...WriterCollectorOption) *WriterCollector {
	o := writerOptions{w: os.Stdout}
	for _, opt := range opts {
		opt(&o)
	}
	return &WriterCollector{w: bufio.NewWriter(o.w)}
}

func (c *WriterCollector) Forward(ctx context.Context, msg *protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.Write(b); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return c.w.Flush()
}
