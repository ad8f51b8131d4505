package cache

import (
	"bytes"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// zstdCodec compresses stored payloads. A nil codec passes bytes through.
type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec() *zstdCodec {
	// Errors are only returned for invalid options.
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	return &zstdCodec{enc: enc, dec: dec}
}

func (c *zstdCodec) encode(payload []byte) []byte {
	if c == nil || len(payload) == 0 {
		return payload
	}
	return c.enc.EncodeAll(payload, make([]byte, 0, len(payload)))
}

// decode returns stored unchanged when it is not a zstd frame. A plain entry
// may begin with the frame magic, so one that fails to decompress is also
// returned as stored.
func (c *zstdCodec) decode(stored []byte) []byte {
	if c == nil || !bytes.HasPrefix(stored, zstdMagic) {
		return stored
	}
	payload, err := c.dec.DecodeAll(stored, nil)
	if err != nil {
		return stored
	}
	return payload
}
