// Package nativemsg implements the browser native-messaging framing: a
// 4-byte length in host byte order followed by a JSON body.
package nativemsg

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize is the exclusive upper bound on a frame body.
const MaxFrameSize = 1 << 20

var (
	ErrEmptyFrame    = errors.New("nativemsg: zero-length frame")
	ErrFrameTooLarge = errors.New("nativemsg: frame exceeds 1 MiB")
	ErrShortFrame    = errors.New("nativemsg: truncated frame")
)

// ReadFrame reads one frame body. io.EOF is returned only when the stream
// ends cleanly between frames.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortFrame
		}
		return nil, err
	}

	n := binary.NativeEndian.Uint32(hdr[:])
	if err := checkLength(int(n)); err != nil {
		return nil, err
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: want %d bytes", ErrShortFrame, n)
		}
		return nil, err
	}
	return body, nil
}

// WriteFrame writes body as one frame.
func WriteFrame(w io.Writer, body []byte) error {
	if err := checkLength(len(body)); err != nil {
		return err
	}
	buf := make([]byte, 4+len(body))
	binary.NativeEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	_, err := w.Write(buf)
	return err
}

func checkLength(n int) error {
	switch {
	case n <= 0:
		return ErrEmptyFrame
	case n >= MaxFrameSize:
		return ErrFrameTooLarge
	}
	return nil
}

// IsProtocolError reports whether err is a framing violation rather than an
// I/O failure of the underlying stream.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrEmptyFrame) || errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrShortFrame)
}

// Writer serialises JSON frames onto a shared stream.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteJSON marshals v and writes it as one frame.
func (fw *Writer) WriteJSON(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("nativemsg: marshal: %w", err)
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return WriteFrame(fw.w, body)
}

// Reader decodes JSON frames.
type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadJSON reads one frame into v.
func (fr *Reader) ReadJSON(v any) error {
	body, err := ReadFrame(fr.r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("nativemsg: decode: %w", err)
	}
	return nil
}
