// Package framebuf provides the single buffer abstraction the frame codec
// uses to assemble an incoming message. It is grounded on the original
// source's HybridBuf (concordium-node's concordium-common::hybrid_buf):
// small messages stay in memory, large ones spill to a temp file, but
// callers see one Read/Write/Seek surface either way.
package framebuf

import (
	"bytes"
	"io"
	"os"
)

// DefaultSpillThreshold is the size above which a Buffer promotes itself
// from an in-memory backing to a temp-file backing.
const DefaultSpillThreshold = 1 << 20 // 1 MiB

// Buffer is a growable, rewindable byte buffer backed either by memory or
// by a temp file, chosen at allocation time by the expected size.
type Buffer struct {
	threshold int

	mem    *bytes.Buffer
	file   *os.File
	length int64
	pos    int64
}

// New returns an empty Buffer that will spill to disk once it exceeds
// DefaultSpillThreshold bytes.
func New() *Buffer {
	return NewWithThreshold(DefaultSpillThreshold)
}

// NewWithThreshold returns an empty Buffer with a custom spill threshold.
func NewWithThreshold(threshold int) *Buffer {
	return &Buffer{threshold: threshold, mem: new(bytes.Buffer)}
}

// WithCapacity preallocates for an expected size, picking the backend up
// front the way the original's `HybridBuf::with_capacity` does.
func WithCapacity(threshold, expected int) (*Buffer, error) {
	b := NewWithThreshold(threshold)
	if expected > threshold {
		if err := b.promote(); err != nil {
			return nil, err
		}
	} else {
		b.mem.Grow(expected)
	}
	return b, nil
}

func (b *Buffer) promote() error {
	if b.file != nil {
		return nil
	}
	f, err := os.CreateTemp("", "framebuf-*")
	if err != nil {
		return err
	}
	if b.mem != nil && b.mem.Len() > 0 {
		if _, err := f.Write(b.mem.Bytes()); err != nil {
			f.Close()
			os.Remove(f.Name())
			return err
		}
	}
	b.file = f
	b.mem = nil
	return nil
}

// Len returns the number of bytes currently stored.
func (b *Buffer) Len() int64 {
	if b.file != nil {
		return b.length
	}
	return int64(b.mem.Len())
}

// Write appends p to the buffer, promoting to a temp file if the new
// length would exceed the configured threshold.
func (b *Buffer) Write(p []byte) (int, error) {
	if b.file == nil && int(b.Len())+len(p) > b.threshold {
		if err := b.promote(); err != nil {
			return 0, err
		}
	}
	if b.file != nil {
		n, err := b.file.WriteAt(p, b.length)
		b.length += int64(n)
		return n, err
	}
	return b.mem.Write(p)
}

// Rewind seeks back to the start of the buffer for reading, mirroring
// HybridBuf::rewind.
func (b *Buffer) Rewind() error {
	b.pos = 0
	if b.file != nil {
		_, err := b.file.Seek(0, io.SeekStart)
		return err
	}
	return nil
}

// Read implements io.Reader over the buffer's current position.
func (b *Buffer) Read(p []byte) (int, error) {
	if b.file != nil {
		n, err := b.file.ReadAt(p, b.pos)
		b.pos += int64(n)
		if err == io.EOF && n > 0 {
			err = nil
		}
		return n, err
	}
	data := b.mem.Bytes()
	if b.pos >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[b.pos:])
	b.pos += int64(n)
	return n, nil
}

// Bytes returns the full contents. For file-backed buffers this reads the
// whole file into memory; codec.go's readPayload calls it on every
// completed frame, so a spilled frame is read back into memory whole.
func (b *Buffer) Bytes() ([]byte, error) {
	if b.file == nil {
		return b.mem.Bytes(), nil
	}
	buf := make([]byte, b.length)
	_, err := b.file.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// Close releases the temp file backing, if any. Safe to call on a
// memory-backed buffer.
func (b *Buffer) Close() error {
	if b.file != nil {
		name := b.file.Name()
		err := b.file.Close()
		os.Remove(name)
		b.file = nil
		return err
	}
	return nil
}
