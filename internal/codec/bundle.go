// Package codec implements the bundle wire encoding named in spec §6:
// canonical JSON, gzip-compressed, then base64-encoded.
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
)

// EncodeBundle gzip-compresses then base64-encodes the canonical JSON body
// of a bundle, producing the payload ProposeBundle submits on-chain.
func EncodeBundle(canonicalJSON []byte) (string, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(canonicalJSON); err != nil {
		return "", fmt.Errorf("codec: gzip write: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("codec: gzip close: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeBundle reverses EncodeBundle, returning the canonical JSON body.
func DecodeBundle(encoded string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("codec: base64 decode: %w", err)
	}
	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("codec: gzip reader: %w", err)
	}
	defer gz.Close()
	out, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("codec: gzip read: %w", err)
	}
	return out, nil
}
