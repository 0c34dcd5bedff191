package source

import (
	"bufio"
	"context"
	"errors"
	"io"
)

const maxLineSize = 64 << 20

// ErrClosed is returned when the source has been closed.
var ErrClosed = errors.New("source closed")

// Source yields protocol lines in arrival order. Next returns io.EOF once a
// finite source is exhausted; Commit acknowledges every line returned so far.
type Source interface {
	Next(ctx context.Context) ([][]byte, error)
	Commit(ctx context.Context) error
	Close() error
}

// LineSource reads newline-delimited messages from a reader.
type LineSource struct {
	scanner *bufio.Scanner
	batch   int
	closer  io.Closer
}

type LineSourceOption func(*LineSource)

// WithBatchSize sets the number of lines returned by each call to Next.
func WithBatchSize(n int) LineSourceOption {
	return func(s *LineSource) {
		if n > 0 {
			s.batch = n
		}
	}
}

func NewLineSource(r io.Reader, opts ...LineSourceOption) *LineSource {
	s := &LineSource{
		scanner: bufio.NewScanner(r),
		batch:   512,
	}
	s.scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *LineSource) Next(ctx context.Context) ([][]byte, error) {
	var lines [][]byte
	for len(lines) < s.batch {
		if err := ctx.Err(); err != nil {
			return lines, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return lines, err
			}
			if len(lines) == 0 {
				return nil, io.EOF
			}
			return lines, nil
		}
		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	return lines, nil
}

func (s *LineSource) Commit(ctx context.Context) error {
	return nil
}

func (s *LineSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
