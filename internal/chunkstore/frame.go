package chunkstore

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Wire identifiers for chunk bodies.
const (
	EncodingJSONRowFrameV1 = "json-row-frame-v1"
	CompressionGzip        = "gzip"
)

// maxFrameLen rejects obviously corrupt length prefixes before allocating.
const maxFrameLen = 64 << 20

// EncodeFrames renders rows as concatenated <length:u32-be><JSON-row-bytes>
// frames and compresses the whole sequence as a single gzip stream, so
// multi-page bundles stay one gzip member.
func EncodeFrames(rows []json.RawMessage) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)

	var lenPrefix [4]byte
	for i, row := range rows {
		if len(row) > maxFrameLen {
			return nil, fmt.Errorf("row %d exceeds max frame length", i)
		}
		binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(row)))
		if _, err := zw.Write(lenPrefix[:]); err != nil {
			return nil, fmt.Errorf("write frame length: %w", err)
		}
		if _, err := zw.Write(row); err != nil {
			return nil, fmt.Errorf("write frame body: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close gzip stream: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeFrames decompresses a chunk body and splits it back into rows.
func DecodeFrames(body []byte) ([]json.RawMessage, error) {
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer zr.Close()

	var rows []json.RawMessage
	var lenPrefix [4]byte
	for {
		if _, err := io.ReadFull(zr, lenPrefix[:]); err != nil {
			if err == io.EOF {
				return rows, nil
			}
			return nil, fmt.Errorf("read frame length: %w", err)
		}
		n := binary.BigEndian.Uint32(lenPrefix[:])
		if n > maxFrameLen {
			return nil, fmt.Errorf("frame length %d exceeds limit", n)
		}
		row := make([]byte, n)
		if _, err := io.ReadFull(zr, row); err != nil {
			return nil, fmt.Errorf("read frame body: %w", err)
		}
		rows = append(rows, json.RawMessage(row))
	}
}
