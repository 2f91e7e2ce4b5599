package relay

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Every DATA payload starts with one flag byte describing the block.
const (
	blockRaw  byte = 0x00
	blockZstd byte = 0x01

	compressThreshold = 512
	maxBlockSize      = 64 << 20
)

var ErrMalformedBlock = errors.New("relay: malformed data block")

var (
	blockEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	blockDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBlockSize))
)

// EncodeBlock frames data as a DATA payload, compressing it when that makes
// the block smaller.
func EncodeBlock(data []byte) []byte {
	if len(data) >= compressThreshold {
		out := blockEncoder.EncodeAll(data, []byte{blockZstd})
		if len(out) <= len(data) {
			return out
		}
	}

	out := make([]byte, 1+len(data))
	out[0] = blockRaw
	copy(out[1:], data)
	return out
}

func DecodeBlock(block []byte) ([]byte, error) {
	if len(block) == 0 {
		return nil, ErrMalformedBlock
	}

	switch block[0] {
	case blockRaw:
		return block[1:], nil
	case blockZstd:
		data, err := blockDecoder.DecodeAll(block[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedBlock, err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("%w: flag %#x", ErrMalformedBlock, block[0])
	}
}
