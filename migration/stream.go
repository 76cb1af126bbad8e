package migration

import (
	"context"
	"io"
)

// Reader adapts the reader side of a Session to io.Reader. Read waits for
// data instead of returning short zero counts, and reports io.EOF once the
// peer has closed and every buffered byte has been consumed.
type Reader struct {
	ctx context.Context
	s   *Session
}

func NewReader(ctx context.Context, s *Session) *Reader {
	return &Reader{ctx: ctx, s: s}
}

func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for {
		n, err := r.s.ReadBuffer(p)
		if n > 0 || err != nil {
			return n, err
		}

		buffered, closed, active := r.s.streamState()

		switch {
		case buffered:
			continue
		case closed:
			return 0, io.EOF
		case !active:
			return 0, &Error{Op: "read", Kind: KindIO, Err: ErrNotConnected}
		}

		select {
		case <-r.s.Ready():
		case <-r.ctx.Done():
			return 0, r.ctx.Err()
		}
	}
}

// Writer adapts the writer side of a Session to io.Writer.
type Writer struct {
	s *Session
}

func NewWriter(s *Session) *Writer { return &Writer{s: s} }

func (w *Writer) Write(p []byte) (int, error) {
	return w.s.WriteBuffer(p)
}

func (w *Writer) WriteByte(b byte) error {
	return w.s.WriteByte(b)
}

// Flush forces every buffered byte onto the socket.
func (w *Writer) Flush() error {
	return w.s.WriteSome(true)
}
