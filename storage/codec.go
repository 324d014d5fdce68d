package storage

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/pierrec/lz4"
)

// Codec turns serialized records into their stored form and back.
type Codec interface {
	Encode(s string) (string, error)
	Decode(s string) (string, error)
}

// LZ4 compresses records with lz4 and base64-encodes the frame so it fits a
// text medium.
type LZ4 struct{}

var _ Codec = LZ4{}

func (LZ4) Encode(s string) (string, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)

	if _, err := io.WriteString(w, s); err != nil {
		w.Close()
		return "", fmt.Errorf("lz4 compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("lz4 compress: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (LZ4) Decode(s string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("lz4 decode base64: %w", err)
	}

	var buf bytes.Buffer
	if _, err = io.Copy(&buf, lz4.NewReader(bytes.NewReader(raw))); err != nil {
		return "", fmt.Errorf("lz4 decompress: %w", err)
	}
	return buf.String(), nil
}
