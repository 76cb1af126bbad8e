package migration

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

const (
	helloMessage = "HELLO WORLD"

	// The exchange sends ten blocks that shrink by blockStride bytes,
	// starting just below blockMax.
	blockMax    = 127
	blockStride = 5
	blockCount  = 10
)

func exchangeBlocks() [][]byte {
	var blocks [][]byte

	n := blockMax

	for j := 0; j < blockCount; j++ {
		n -= blockStride
		if n <= 0 {
			break
		}

		blocks = append(blocks, bytes.Repeat([]byte{byte('z' - j)}, n))
	}

	return blocks
}

// Start runs a short test exchange on a connected session: the writer sends
// a greeting followed by ten blocks, forcing a flush after each, and the
// reader reads them back. Every step is reported on the console. online only
// changes the report.
func (s *Session) Start(ctx context.Context, online bool) error {
	mode := "DEAD"
	if online {
		mode = "ALIVE"
	}

	st := s.Status()

	s.console.Printf("migration start: deadoralive=%s role=%s msgsize=%d", mode, st.Role, len(helloMessage))

	switch st.Role {
	case RoleWriter:
		return s.startWriter()
	case RoleReader:
		return s.startReader(ctx)
	case RoleNone:
	}

	s.console.Printf("ERROR: unexpected role=%s", st.Role)

	return &Error{Op: "start", Kind: KindRole, Err: ErrNotConnected}
}

func (s *Session) startWriter() error {
	for i := 0; i < len(helloMessage); i++ {
		if err := s.WriteByte(helloMessage[i]); err != nil {
			return err
		}
	}

	if err := s.WriteSome(true); err != nil {
		return err
	}

	s.console.Printf("sent '%s'", helloMessage)

	for _, b := range exchangeBlocks() {
		if _, err := s.WriteBuffer(b); err != nil {
			return err
		}

		if err := s.WriteSome(true); err != nil {
			return err
		}

		s.console.Printf("sent %d bytes '%s'", len(b), b)
	}

	return nil
}

func (s *Session) startReader(ctx context.Context) error {
	r := NewReader(ctx, s)

	hello := make([]byte, len(helloMessage))
	if _, err := io.ReadFull(r, hello); err != nil {
		s.console.Printf("received ...FAILED (%v)", err)

		return err
	}

	s.console.Printf("received '%s'", hello)

	for _, want := range exchangeBlocks() {
		got := make([]byte, len(want))

		n, err := io.ReadFull(r, got)
		if err != nil {
			s.console.Printf("received %d bytes ...FAILED", n)

			return err
		}

		if !bytes.Equal(got, want) {
			s.console.Printf("received %d bytes ...FAILED", n)

			return fmt.Errorf("%w: block of %d bytes does not match", errCorruptStream, len(want))
		}

		s.console.Printf("received %d bytes '%s'", n, got)
	}

	return nil
}
