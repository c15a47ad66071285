package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// readSlice bounds how long ReadPipe waits for more data.
const readSlice = 10 * time.Millisecond

// Pipe is an anonymous pipe used to redirect a child's stdio.
type Pipe struct {
	r, w *os.File
}

// CreatePipe makes a new pipe.
func CreatePipe() (*Pipe, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create pipe: %w", err)
	}
	return &Pipe{r: r, w: w}, nil
}

// Reader returns the read end.
func (p *Pipe) Reader() *os.File { return p.r }

// Writer returns the write end.
func (p *Pipe) Writer() *os.File { return p.w }

// ReadPipe returns whatever is currently buffered in the pipe without
// waiting for more than a short slice of time.
func ReadPipe(p *Pipe) (string, error) {
	b, err := ReadPipeBytes(p)
	return string(b), err
}

// ReadPipeBytes is ReadPipe without the string conversion.
func ReadPipeBytes(p *Pipe) ([]byte, error) {
	var out []byte
	buf := make([]byte, 4096)
	for {
		if err := p.r.SetReadDeadline(time.Now().Add(readSlice)); err != nil {
			return out, fmt.Errorf("read pipe: %w", err)
		}
		n, err := p.r.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return out, nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return out, nil
			}
			return out, fmt.Errorf("read pipe: %w", err)
		}
	}
}

// WritePipe writes msg followed by a newline.
func WritePipe(p *Pipe, msg string) error {
	if _, err := p.w.WriteString(msg + "\n"); err != nil {
		return fmt.Errorf("write pipe: %w", err)
	}
	return nil
}

// ClosePipe closes both ends. Either may already be closed.
func ClosePipe(p *Pipe) {
	if p == nil {
		return
	}
	_ = p.r.Close()
	_ = p.w.Close()
}
