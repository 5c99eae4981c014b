package util

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strings"
)

// HashFileSHA256 computes the SHA256 of a file in a streaming fashion
// using a 1 MiB buffer to reduce syscall overhead without large memory use.
func HashFileSHA256(path string) (string, error) {
	return HashFileSHA256Context(context.Background(), path)
}

// HashFileSHA256Context is HashFileSHA256 that stops early when ctx is done.
// Multi-gigabyte checkpoints take a while, so scans need to be cancellable mid-file.
func HashFileSHA256Context(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	return HashReaderSHA256(ctxReader{ctx: ctx, r: f})
}

// HashReaderSHA256 computes SHA256 from an io.Reader using a 1 MiB buffer.
func HashReaderSHA256(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, 1<<20) // 1 MiB
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// EqualSHA256 compares two hex digests case-insensitively, ignoring surrounding space.
func EqualSHA256(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
