package upload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"beacon/internal/sink"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode

	// A nil-writer zstd encoder is safe for concurrent EncodeAll.
	zstdEnc *zstd.Encoder
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	// severity.Level implements TextMarshaler; keep it a text string on the wire.
	opts.TextMarshaler = cbor.TextMarshalerTextString
	opts.Time = cbor.TimeRFC3339Nano
	cborEnc, err = opts.EncMode()
	if err != nil {
		panic("upload: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("upload: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEnc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("upload: zstd encoder initialization failed: " + err.Error())
	}
}

const (
	CodecJSON = "json"
	CodecCBOR = "cbor"

	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

// ValidCodec reports whether name is a supported wire codec ("" = json).
func ValidCodec(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CodecJSON, CodecCBOR:
		return true
	}
	return false
}

// ValidCompression reports whether name is a supported body compression ("" = none).
func ValidCompression(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", CompressionNone, CompressionGzip, CompressionZstd:
		return true
	}
	return false
}

// body is an encoded request body plus the headers that describe it.
type body struct {
	data            []byte
	contentType     string
	contentEncoding string
}

// encodePayload renders a single record as one object and a batch as an array.
func encodePayload(p sink.Payload, codec, compression string) (body, error) {
	var v any = p.Records
	if !p.Batch && len(p.Records) == 1 {
		v = p.Records[0]
	}

	var b body
	var err error
	switch strings.ToLower(strings.TrimSpace(codec)) {
	case "", CodecJSON:
		b.data, err = json.Marshal(v)
		b.contentType = "application/json"
	case CodecCBOR:
		b.data, err = cborEnc.Marshal(v)
		b.contentType = "application/cbor"
	default:
		return body{}, fmt.Errorf("unknown codec %q", codec)
	}
	if err != nil {
		return body{}, fmt.Errorf("encode payload: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(compression)) {
	case "", CompressionNone:
	case CompressionGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(b.data); err != nil {
			return body{}, fmt.Errorf("gzip payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return body{}, fmt.Errorf("gzip payload: %w", err)
		}
		b.data = buf.Bytes()
		b.contentEncoding = CompressionGzip
	case CompressionZstd:
		b.data = zstdEnc.EncodeAll(b.data, nil)
		b.contentEncoding = CompressionZstd
	default:
		return body{}, fmt.Errorf("unknown compression %q", compression)
	}
	return b, nil
}
