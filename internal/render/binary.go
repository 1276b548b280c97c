package render

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/godbus/dbus/v5"
	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Binary writes raw D-Bus wire messages back to back, optionally inside a
// zstd stream that is flushed after every message.
type Binary struct {
	w      io.Writer
	zw     *zstd.Encoder
	logger *slog.Logger
}

// NewBinary builds a binary capture renderer.
func NewBinary(w io.Writer, compress string, logger *slog.Logger) (*Binary, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	b := &Binary{w: w, logger: logger}

	switch compress {
	case "", CompressNone:
	case CompressZstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("init zstd encoder: %w", err)
		}
		b.zw = zw
	default:
		return nil, fmt.Errorf("unknown compression %q", compress)
	}
	return b, nil
}

// Render encodes msg. Messages that cannot be encoded are logged and
// skipped so the capture stays decodable.
func (b *Binary) Render(msg *dbus.Message) {
	if msg == nil {
		return
	}

	var buf bytes.Buffer
	if err := encodeMessage(&buf, msg); err != nil {
		b.logger.Warn("encode message failed", "serial", msg.Serial(), "error", err.Error())
		return
	}

	if b.zw == nil {
		if _, err := b.w.Write(buf.Bytes()); err != nil {
			b.logger.Warn("write capture failed", "error", err.Error())
		}
		return
	}
	if _, err := b.zw.Write(buf.Bytes()); err != nil {
		b.logger.Warn("write capture failed", "error", err.Error())
		return
	}
	if err := b.zw.Flush(); err != nil {
		b.logger.Warn("flush capture failed", "error", err.Error())
	}
}

func encodeMessage(buf *bytes.Buffer, msg *dbus.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("encode panic: %v", r)
		}
	}()
	return msg.EncodeTo(buf, binary.LittleEndian)
}

// Close finishes the zstd frame when compression is enabled.
func (b *Binary) Close() error {
	if b.zw == nil {
		return nil
	}
	return b.zw.Close()
}

// Replay decodes a binary capture from r and renders every message with
// out. Compressed captures are detected by the zstd frame magic. It
// returns the number of messages rendered.
func Replay(r io.Reader, out Renderer) (int, error) {
	br := bufio.NewReader(r)

	var src io.Reader = br
	magic, err := br.Peek(len(zstdMagic))
	if err == nil && bytes.Equal(magic, zstdMagic) {
		dec, err := zstd.NewReader(br)
		if err != nil {
			return 0, fmt.Errorf("init zstd decoder: %w", err)
		}
		defer dec.Close()
		src = dec
	}

	count := 0
	for {
		msg, err := dbus.DecodeMessage(src)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, fmt.Errorf("decode message %d: %w", count+1, err)
		}
		out.Render(msg)
		count++
	}
}
