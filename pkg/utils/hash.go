package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
)

// HashingWriter forwards writes to W while feeding a SHA-256 digest and counting bytes.
type HashingWriter struct {
	W       io.Writer
	h       hash.Hash
	written int64
}

// NewHashingWriter wraps w
func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{W: w, h: sha256.New()}
}

// Write implements io.Writer
func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.W.Write(p)
	hw.h.Write(p[:n])
	hw.written += int64(n)
	return n, err
}

// Sum returns the hex digest of everything written so far.
func (hw *HashingWriter) Sum() string {
	return hex.EncodeToString(hw.h.Sum(nil))
}

// Written returns the number of bytes written so far.
func (hw *HashingWriter) Written() int64 {
	return hw.written
}

// CalculateFileSHA256 computes the SHA-256 hash of a file's content.
func CalculateFileSHA256(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
