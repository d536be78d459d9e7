// Package artifacts stores the generated output of chunk layers. Each
// artifact is a zstd stream holding a JSON header line followed by a gob
// body.
package artifacts

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

type Header struct {
	Version int    `json:"version"`
	Kind    string `json:"kind"`
	Seed    string `json:"seed"`
	X       int    `json:"x"`
	Y       int    `json:"y"`
}

// Shared coders; EncodeAll/DecodeAll are safe for concurrent use.
var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

func Encode(h Header, body any) ([]byte, error) {
	if h.Version == 0 {
		h.Version = Version
	}
	var buf bytes.Buffer
	hb, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	buf.Write(hb)
	buf.WriteByte('\n')
	if err := gob.NewEncoder(&buf).Encode(body); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}
	return encoder.EncodeAll(buf.Bytes(), nil), nil
}

// Decode reads the header and decodes the body into out (a pointer).
func Decode(raw []byte, out any) (Header, error) {
	var h Header
	plain, err := decoder.DecodeAll(raw, nil)
	if err != nil {
		return h, fmt.Errorf("zstd: %w", err)
	}
	br := bufio.NewReader(bytes.NewReader(plain))
	line, err := br.ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("header: %w", err)
	}
	if h.Version != Version {
		return h, fmt.Errorf("unsupported artifact version %d", h.Version)
	}
	if out == nil {
		return h, nil
	}
	if err := gob.NewDecoder(br).Decode(out); err != nil {
		return h, fmt.Errorf("gob decode: %w", err)
	}
	return h, nil
}

// DecodeHeader reads only the header.
func DecodeHeader(raw []byte) (Header, error) {
	return Decode(raw, nil)
}

var ErrNotFound = errors.New("artifact not found")
