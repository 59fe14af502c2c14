package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	maxMessageBytes = 64 * 1024 * 1024
	// Browsers refuse native-messaging replies above 1 MiB.
	maxNativeReplyBytes = 1024 * 1024
)

type Framing int

const (
	// NativeFraming is the browser native-messaging format: a 4-byte
	// little-endian length followed by that many bytes of JSON.
	NativeFraming Framing = iota
	// LineFraming is one JSON message per line.
	LineFraming
)

// ServeStdio answers messages read from r on w until r is exhausted or ctx
// is cancelled. Messages are handled one at a time in arrival order.
func (d *Dispatcher) ServeStdio(ctx context.Context, r io.Reader, w io.Writer, framing Framing) error {
	if framing == LineFraming {
		return d.serveLines(ctx, r, w)
	}
	return d.serveNative(ctx, r, w)
}

func (d *Dispatcher) serveNative(ctx context.Context, r io.Reader, w io.Writer) error {
	br := bufio.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := ReadFrame(br)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		resp := d.HandleMessage(ctx, msg)
		out, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
		if len(out) > maxNativeReplyBytes {
			d.logger.Warn("reply too large for native messaging", "bytes", len(out))
			out, _ = json.Marshal(Fail("Response too large"))
		}
		if err := WriteFrame(w, out); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) serveLines(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageBytes)
	encoder := json.NewEncoder(w)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := encoder.Encode(d.HandleMessage(ctx, line)); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ReadFrame reads one length-prefixed message. It returns io.EOF only when r
// ends cleanly between frames.
func ReadFrame(r io.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	if size > maxMessageBytes {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit of %d", size, maxMessageBytes)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return buf, nil
}

func WriteFrame(w io.Writer, msg []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(msg))); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}
