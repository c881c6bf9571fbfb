package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxFrameSize bounds a single frame.
const DefaultMaxFrameSize = 16 << 20

// ErrFrameTooLarge is returned for frames above the reader's limit
var ErrFrameTooLarge = errors.New("frame too large")

// FrameReader reads u32 length-prefixed frames.
type FrameReader struct {
	r   io.Reader
	max uint32
	hdr [4]byte
}

// NewFrameReader wraps r. max <= 0 selects DefaultMaxFrameSize.
func NewFrameReader(r io.Reader, max int) *FrameReader {
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	return &FrameReader{r: r, max: uint32(max)}
}

// ReadFrame returns the next frame. io.EOF is returned only on a clean
// boundary; a frame cut short yields io.ErrUnexpectedEOF.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(fr.hdr[:])
	if n > fr.max {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrFrameTooLarge, n, fr.max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// ReadMessage reads and decodes one frame.
func (fr *FrameReader) ReadMessage(dir Direction) (Message, error) {
	frame, err := fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	return Unmarshal(frame, dir)
}

// FrameWriter writes u32 length-prefixed frames. It is safe for concurrent
// use; each frame is written with a single Write call.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewFrameWriter wraps w.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes payload with its length prefix.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	if uint64(len(payload)) > 0xFFFFFFFF {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)

	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, err := fw.w.Write(buf)
	return err
}

// WriteMessage encodes and writes m.
func (fw *FrameWriter) WriteMessage(m Message) error {
	b, err := Marshal(m)
	if err != nil {
		return err
	}
	return fw.WriteFrame(b)
}
