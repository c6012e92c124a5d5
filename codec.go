package clapsql

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec converts rows to and from a single storable text payload. The payload
// may contain line breaks but must not end a line with the row end marker.
type Codec[R any] interface {
	Encode(row R) (string, error)
	Decode(text string) (R, error)
}

// JSONCodec stores rows as JSON objects.
type JSONCodec[R any] struct{}

func (JSONCodec[R]) Encode(row R) (string, error) {
	raw, err := json.Marshal(row)
	if err != nil {
		return "", fmt.Errorf("failed to encode %T to JSON: %w", row, err)
	}
	return string(raw), nil
}

func (JSONCodec[R]) Decode(text string) (R, error) {
	var row R
	if err := json.Unmarshal([]byte(text), &row); err != nil {
		return row, dataErrf([]byte(text), 0, err, "failed to decode JSON into %T", row)
	}
	return row, nil
}

// MsgpackCodec stores rows as base64-wrapped MsgPack, which keeps payloads on a
// single line and free of the row end marker.
type MsgpackCodec[R any] struct{}

func (MsgpackCodec[R]) Encode(row R) (string, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	err := enc.Encode(row)
	msgpack.PutEncoder(enc)
	if err != nil {
		return "", fmt.Errorf("failed to encode %T using MsgPack: %w", row, err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (MsgpackCodec[R]) Decode(text string) (R, error) {
	var row R
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return row, dataErrf([]byte(text), 0, err, "invalid base64 payload for %T", row)
	}
	var r bytes.Reader
	r.Reset(raw)
	dec := msgpack.GetDecoder()
	dec.Reset(&r)
	err = dec.Decode(&row)
	msgpack.PutDecoder(dec)
	if err != nil {
		return row, dataErrf(raw, 0, err, "failed to decode msgpack into %T", row)
	}
	return row, nil
}
