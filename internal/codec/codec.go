// Package codec provides the pluggable encode/decode pair the engine
// uses to serialize keys and values for the all-to-all wire format. The
// engine treats buffers as opaque: it only requires that
// Decode(Encode(x)) reproduces x for every admissible x.
package codec

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"io"
)

// Codec encodes values of type T into an append-only byte sink and
// decodes them back out of a byte source.
type Codec[T any] interface {
	Encode(v T, out *bytes.Buffer) error
	Decode(in *bytes.Reader) (T, error)
}

// JSONCodec implements Codec using encoding/json, one value per call.
// Each value is newline-delimited, so several values can share one
// buffer without a length prefix.
type JSONCodec[T any] struct{}

// Encode appends the JSON encoding of v, followed by a newline
// delimiter, to out. The delimiter lets Decode find the end of one
// value's JSON text without a separate length prefix.
func (JSONCodec[T]) Encode(v T, out *bytes.Buffer) error {
	enc := json.NewEncoder(out)
	return enc.Encode(v)
}

// Decode reads one newline-delimited JSON value from in. It scans for
// the delimiter itself rather than handing in to json.Decoder: a fresh
// Decoder reads ahead into its own private buffer, and on an in-memory
// *bytes.Reader that single read call drains everything left in the
// buffer, advancing in's cursor past values this call never decoded.
func (JSONCodec[T]) Decode(in *bytes.Reader) (T, error) {
	var v T
	line, err := readDelimited(in, '\n')
	if err != nil {
		return v, err
	}
	err = json.Unmarshal(line, &v)
	return v, err
}

// readDelimited reads bytes from in up to and excluding delim, advancing
// in's cursor exactly past the delimiter and no further.
func readDelimited(in *bytes.Reader, delim byte) ([]byte, error) {
	var line []byte
	for {
		b, err := in.ReadByte()
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				return line, nil
			}
			return nil, err
		}
		if b == delim {
			return line, nil
		}
		line = append(line, b)
	}
}

// GobCodec implements Codec using encoding/gob. Not grounded on any
// example repo — no repo in the corpus uses gob — but included because
// this codec interface is explicitly pluggable and gob is
// the standard lower-overhead binary alternative to JSON for an
// all-to-all hot path where per-value tag overhead matters.
type GobCodec[T any] struct{}

// Encode appends the gob encoding of v to out.
func (GobCodec[T]) Encode(v T, out *bytes.Buffer) error {
	enc := gob.NewEncoder(out)
	return enc.Encode(v)
}

// Decode reads one gob-encoded value from in.
func (GobCodec[T]) Decode(in *bytes.Reader) (T, error) {
	var v T
	dec := gob.NewDecoder(in)
	err := dec.Decode(&v)
	return v, err
}
