// Package codec is the single source of truth for the on-disk DeltaBlob
// byte format: pure, allocation-light encode/decode/tag_of routines with no
// host-runtime calls, safe to invoke from pkg/encodepool workers.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/block/deltatable/pkg/config"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// ErrEncodeFailed is returned when Encode is given a negative tag.
var ErrEncodeFailed = errors.New("deltatable: codec encode failed")

// ErrCorruptedDelta is returned when decode cannot reconstruct a value.
var ErrCorruptedDelta = errors.New("deltatable: corrupted delta blob")

// ErrCorruptedHeader is returned when TagOf cannot parse the blob header.
var ErrCorruptedHeader = errors.New("deltatable: corrupted delta blob header")

// header bit layout, byte 0:
//
//	bit 7    : isDelta   (0 = keyframe, 1 = delta)
//	bit 6    : hasEntropy
//	bits 5..4: entropy codec id (0=none,1=snappy,2=zstd) when hasEntropy
//	bits 3..0: inline tag 0..14, or 15 meaning "varint tag follows"
const (
	flagDelta      = 1 << 7
	flagEntropy    = 1 << 6
	entropyIDShift = 4
	entropyIDMask  = 0x3
	inlineTagMask  = 0x0f
	inlineTagMax   = 14
	tagEscape      = 15
)

// DeltaBlob is the opaque, length-prefixed on-disk representation of a
// delta column value.
type DeltaBlob []byte

// Encode produces a DeltaBlob for newBytes. tag == 0 means "keyframe",
// encoded self-contained against an empty base; tag >= 1 means "delta
// against baseBytes, tag sequence positions back". It fails with
// ErrEncodeFailed only for a negative tag.
func Encode(tag int, baseBytes, newBytes []byte, entropy config.EntropyCodec) (DeltaBlob, error) {
	if tag < 0 {
		return nil, fmt.Errorf("%w: negative tag %d", ErrEncodeFailed, tag)
	}
	var payload []byte
	if tag == 0 {
		payload = encodeKeyframePayload(newBytes)
	} else {
		payload = encodeDeltaPayload(baseBytes, newBytes)
	}

	entropyID := byte(0)
	if entropy != config.EntropyNone && len(payload) > 0 {
		compressed, id, ok := compressPayload(payload, entropy)
		if ok && len(compressed) < len(payload) {
			payload = compressed
			entropyID = id
		}
	}

	header := make([]byte, 0, 1+binary.MaxVarintLen64)
	b0 := byte(0)
	if tag > 0 {
		b0 |= flagDelta
	}
	if entropyID != 0 {
		b0 |= flagEntropy
		b0 |= entropyID << entropyIDShift
	}
	if tag <= inlineTagMax {
		b0 |= byte(tag)
		header = append(header, b0)
	} else {
		b0 |= tagEscape
		header = append(header, b0)
		var varintBuf [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(varintBuf[:], uint64(tag))
		header = append(header, varintBuf[:n]...)
	}

	blob := make(DeltaBlob, 0, len(header)+len(payload))
	blob = append(blob, header...)
	blob = append(blob, payload...)
	return blob, nil
}

// TagOf parses the distance-back tag from a DeltaBlob's header without
// decoding the payload.
func TagOf(blob DeltaBlob) (int, error) {
	if len(blob) == 0 {
		return 0, fmt.Errorf("%w: empty blob", ErrCorruptedHeader)
	}
	b0 := blob[0]
	inline := b0 & inlineTagMask
	if b0&flagDelta == 0 {
		return 0, nil
	}
	if inline != tagEscape {
		return int(inline), nil
	}
	if len(blob) < 2 {
		return 0, fmt.Errorf("%w: truncated varint tag", ErrCorruptedHeader)
	}
	tag, n := binary.Uvarint(blob[1:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: invalid varint tag", ErrCorruptedHeader)
	}
	return int(tag), nil
}

// Decode reconstructs full_bytes from a DeltaBlob and (if the blob is a
// delta, tag >= 1) the already-reconstructed base.
func Decode(baseBytes []byte, blob DeltaBlob) ([]byte, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: empty blob", ErrCorruptedDelta)
	}
	b0 := blob[0]
	isDelta := b0&flagDelta != 0
	headerLen := 1
	if b0&inlineTagMask == tagEscape {
		_, n := binary.Uvarint(blob[1:])
		if n <= 0 {
			return nil, fmt.Errorf("%w: invalid varint tag", ErrCorruptedDelta)
		}
		headerLen += n
	}
	if headerLen > len(blob) {
		return nil, fmt.Errorf("%w: header longer than blob", ErrCorruptedDelta)
	}
	payload := blob[headerLen:]

	if b0&flagEntropy != 0 {
		id := (b0 >> entropyIDShift) & entropyIDMask
		decompressed, err := decompressPayload(payload, id)
		if err != nil {
			return nil, fmt.Errorf("%w: entropy decode: %s", ErrCorruptedDelta, err)
		}
		payload = decompressed
	}

	if !isDelta {
		return decodeKeyframePayload(payload)
	}
	return decodeDeltaPayload(baseBytes, payload)
}

func compressPayload(payload []byte, entropy config.EntropyCodec) ([]byte, byte, bool) {
	switch entropy {
	case config.EntropySnappy:
		return snappy.Encode(nil, payload), 1, true
	case config.EntropyZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, 0, false
		}
		defer enc.Close()
		return enc.EncodeAll(payload, nil), 2, true
	default:
		return nil, 0, false
	}
}

func decompressPayload(payload []byte, id byte) ([]byte, error) {
	switch id {
	case 1:
		return snappy.Decode(nil, payload)
	case 2:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(payload, nil)
	default:
		return nil, fmt.Errorf("unknown entropy codec id %d", id)
	}
}
