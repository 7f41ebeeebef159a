// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package blockreader splits a (possibly gzip or zstd compressed)
// delimited text stream into newline-aligned chunks.
//
// The first chunk returned by a Reader is always the first physical
// line of the input, so callers can treat it as a header. Every
// later chunk ends with '\n', except the last chunk when the input
// itself does not end with one. Concatenating all chunks reproduces
// the decompressed input exactly.
package blockreader

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// DefaultBlockSize is used when NewReader is given a block size < 1.
const DefaultBlockSize = 8 << 20

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Chunk is a newline-aligned piece of the decompressed input.
type Chunk struct {
	Offset int64 // position of Data[0] in the decompressed stream
	Data   []byte
}

// ReadError reports a failure reading or decompressing the input.
type ReadError struct {
	Offset     int64
	Decompress bool
	Err        error
}

func (e *ReadError) Error() string {
	if e.Decompress {
		return fmt.Sprintf("decompress error at offset %d: %s", e.Offset, e.Err)
	}
	return fmt.Sprintf("read error at offset %d: %s", e.Offset, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Reader yields Chunks from an underlying byte source. It is not
// safe for concurrent use, and cannot be restarted.
type Reader struct {
	src        io.Reader
	raw        *sourceReader
	gz         *pgzip.Reader
	zr         *zstd.Decoder
	blockSize  int
	leftover   []byte
	offset     int64
	headerDone bool
	eof        bool
	err        error
}

// sourceReader remembers the last error returned by the underlying
// reader, so errors coming out of the decompressor can be
// attributed to either the source or the compressed stream.
type sourceReader struct {
	r       io.Reader
	lastErr error
}

func (sr *sourceReader) Read(p []byte) (int, error) {
	n, err := sr.r.Read(p)
	if err != nil && err != io.EOF {
		sr.lastErr = err
	}
	return n, err
}

// NewReader returns a Reader that reads r in blocks of (at least)
// blockSize bytes. If r starts with the gzip or zstd magic number,
// the content is decompressed transparently.
func NewReader(r io.Reader, blockSize int) (*Reader, error) {
	if blockSize < 1 {
		blockSize = DefaultBlockSize
	}
	raw := &sourceReader{r: r}
	br := bufio.NewReader(raw)
	rdr := &Reader{raw: raw, src: br, blockSize: blockSize}
	sig, err := br.Peek(len(zstdMagic))
	if err != nil && err != io.EOF {
		return nil, &ReadError{Err: err}
	}
	switch {
	case bytes.HasPrefix(sig, gzipMagic):
		rdr.gz, err = pgzip.NewReader(br)
		if err != nil {
			return nil, &ReadError{Decompress: raw.lastErr != err, Err: err}
		}
		rdr.src = rdr.gz
	case bytes.Equal(sig, zstdMagic):
		rdr.zr, err = zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, &ReadError{Decompress: true, Err: err}
		}
		rdr.src = rdr.zr
	}
	return rdr, nil
}

// Compressed reports whether the input is being decompressed.
func (rdr *Reader) Compressed() bool {
	return rdr.gz != nil || rdr.zr != nil
}

// Next returns the next chunk. At the end of the input it returns
// io.EOF. Any other error is a *ReadError, and all subsequent calls
// return the same error.
func (rdr *Reader) Next() (Chunk, error) {
	for rdr.err == nil {
		if rdr.eof {
			if len(rdr.leftover) == 0 {
				rdr.err = io.EOF
				break
			}
			return rdr.emit(rdr.leftover, len(rdr.leftover)), nil
		}
		data, err := rdr.fill()
		if err != nil {
			rdr.err = err
			break
		}
		if len(data) == 0 {
			continue
		}
		combined := data
		if len(rdr.leftover) > 0 {
			combined = append(rdr.leftover, data...)
		}
		rdr.leftover = nil
		var cut int
		if rdr.headerDone {
			cut = bytes.LastIndexByte(combined, '\n')
		} else {
			cut = bytes.IndexByte(combined, '\n')
		}
		if cut < 0 {
			// No line boundary yet: hold everything until
			// the next read or EOF.
			rdr.leftover = combined
			continue
		}
		rdr.headerDone = true
		return rdr.emit(combined, cut+1), nil
	}
	return Chunk{}, rdr.err
}

func (rdr *Reader) emit(buf []byte, n int) Chunk {
	chunk := Chunk{Offset: rdr.offset, Data: buf[:n:n]}
	rdr.offset += int64(n)
	if n < len(buf) {
		rdr.leftover = buf[n:]
	} else {
		rdr.leftover = nil
	}
	return chunk
}

// fill reads until blockSize bytes have been accumulated or the
// source is exhausted.
func (rdr *Reader) fill() ([]byte, error) {
	buf := make([]byte, rdr.blockSize)
	n := 0
	for n < len(buf) {
		m, err := rdr.src.Read(buf[n:])
		n += m
		if err == io.EOF {
			rdr.eof = true
			break
		} else if err != nil {
			return nil, &ReadError{
				Offset:     rdr.offset + int64(len(rdr.leftover)) + int64(n),
				Decompress: rdr.Compressed() && err != rdr.raw.lastErr,
				Err:        err,
			}
		}
	}
	return buf[:n], nil
}

// Close releases the decompressor, if any. It does not close the
// underlying reader.
func (rdr *Reader) Close() error {
	if rdr.zr != nil {
		rdr.zr.Close()
	}
	if rdr.gz != nil {
		return rdr.gz.Close()
	}
	return nil
}

// Each calls fn for every remaining chunk, stopping at the first
// error returned by fn, the first read error, or when ctx is done.
func (rdr *Reader) Each(ctx context.Context, fn func(Chunk) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		chunk, err := rdr.Next()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
		if err = fn(chunk); err != nil {
			return err
		}
	}
}
