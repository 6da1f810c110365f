package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

// maxLineBytes bounds a single inbound frame. Hosts sending larger payloads
// should use batch or streaming tools instead of one giant call.
const maxLineBytes = 10 * 1024 * 1024

// Handler processes one decoded request and returns the response to write,
// or nil for notifications.
type Handler interface {
	Handle(ctx context.Context, req *Request) *Response
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, req *Request) *Response

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, req *Request) *Response {
	return f(ctx, req)
}

type syncer interface {
	Sync() error
}

// Stdio reads newline-delimited JSON-RPC requests from a byte stream and
// writes responses back, one message per line. Requests run on their own
// goroutines, bounded by a semaphore, so a slow tool does not stall the
// read loop; writes are serialized through a mutex so message bytes never
// interleave. No cross-request ordering is guaranteed.
type Stdio struct {
	reader  io.Reader
	writer  io.Writer
	logger  *slog.Logger
	codec   Codec
	maxLine int

	writeMu sync.Mutex
	sem     chan struct{}
}

// NewStdio creates a transport over the given streams. maxConcurrent bounds
// in-flight request handlers (minimum 1).
func NewStdio(r io.Reader, w io.Writer, maxConcurrent int, logger *slog.Logger) *Stdio {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Stdio{
		reader:  r,
		writer:  w,
		logger:  logger,
		maxLine: maxLineBytes,
		sem:     make(chan struct{}, maxConcurrent),
	}
}

// errLineTooLong marks an inbound line that overflowed the frame limit.
var errLineTooLong = errors.New("line exceeds maximum frame size")

// readLine reads one newline-terminated line, enforcing the frame limit.
// An overflowing line is discarded through its trailing newline so the
// stream stays aligned, and errLineTooLong is returned.
func (s *Stdio) readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > s.maxLine {
			for err == bufio.ErrBufferFull {
				_, err = r.ReadSlice('\n')
			}
			return nil, errLineTooLong
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return line, err
	}
}

// Serve runs the read loop until EOF, a read error, or ctx cancellation.
// Malformed frames, including ones over the size limit, are answered with a
// parse error and the loop continues. In-flight handlers are drained before
// Serve returns.
func (s *Stdio) Serve(ctx context.Context, handler Handler) error {
	reader := bufio.NewReaderSize(s.reader, 64*1024)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, readErr := s.readLine(reader)
		if errors.Is(readErr, errLineTooLong) {
			s.logger.Warn("dropping oversized message", "limit_bytes", s.maxLine)
			s.Write(NewError(SentinelID, CodeParseError, "Parse error", nil))
			continue
		}

		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			req, err := s.codec.Decode(trimmed)
			if err != nil {
				s.logger.Warn("failed to decode message", "error", err)
				if resp := ErrorResponseFor(err); resp != nil {
					s.Write(resp)
				}
			} else {
				// Respect the concurrency bound before detaching the handler.
				select {
				case s.sem <- struct{}{}:
				case <-ctx.Done():
					return ctx.Err()
				}

				wg.Add(1)
				go func(req *Request) {
					defer wg.Done()
					defer func() { <-s.sem }()

					resp := handler.Handle(ctx, req)
					if req.IsNotification() {
						return
					}
					if resp != nil {
						s.Write(resp)
					}
				}(req)
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				s.logger.Info("transport input closed")
				return nil
			}
			s.logger.Error("transport read failed", "error", readErr)
			return readErr
		}
	}
}

// Write encodes and writes one message followed by a newline, flushing and
// syncing the underlying stream when it supports it.
func (s *Stdio) Write(msg any) {
	out, err := s.codec.Encode(msg)
	if err != nil {
		s.logger.Error("failed to encode outbound message", "error", err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.writer.Write(append(out, '\n')); err != nil {
		s.logger.Error("failed to write message", "error", err)
		return
	}
	if f, ok := s.writer.(*bufio.Writer); ok {
		if err := f.Flush(); err != nil {
			s.logger.Error("failed to flush writer", "error", err)
		}
	}
	if f, ok := s.writer.(syncer); ok {
		// Best effort: stdout may not support fsync (pipes on some platforms).
		_ = f.Sync()
	}
}

// Notify emits a server-initiated notification such as notifications/log.
func (s *Stdio) Notify(method string, params any) {
	s.Write(NewNotification(method, params))
}
