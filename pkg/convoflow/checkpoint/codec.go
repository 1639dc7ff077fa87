package checkpoint

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec turns checkpoints into the bytes a Store persists.
type Codec interface {
	Name() string
	Encode(cp *Checkpoint) ([]byte, error)
	Decode(data []byte) (*Checkpoint, error)
}

// JSONCodec encodes checkpoints as JSON. It is the default.
type JSONCodec struct{}

// Name implements Codec.
func (JSONCodec) Name() string { return "json" }

// Encode implements Codec.
func (JSONCodec) Encode(cp *Checkpoint) ([]byte, error) { return cp.Marshal() }

// Decode implements Codec.
func (JSONCodec) Decode(data []byte) (*Checkpoint, error) { return Unmarshal(data) }

// MsgpackCodec encodes checkpoints with MessagePack.
// The embedded state stays JSON; only the envelope changes.
type MsgpackCodec struct{}

// Name implements Codec.
func (MsgpackCodec) Name() string { return "msgpack" }

// Encode implements Codec.
func (MsgpackCodec) Encode(cp *Checkpoint) ([]byte, error) {
	return msgpack.Marshal(cp)
}

// Decode implements Codec.
func (MsgpackCodec) Decode(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := msgpack.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// zstdCodec compresses the output of another codec.
type zstdCodec struct {
	inner   Codec
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Compressed wraps inner with zstd compression.
// The returned codec is safe for concurrent use.
func Compressed(inner Codec) (Codec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &zstdCodec{inner: inner, encoder: enc, decoder: dec}, nil
}

// Name implements Codec.
func (c *zstdCodec) Name() string { return c.inner.Name() + "+zstd" }

// Encode implements Codec.
func (c *zstdCodec) Encode(cp *Checkpoint) ([]byte, error) {
	raw, err := c.inner.Encode(cp)
	if err != nil {
		return nil, err
	}
	return c.encoder.EncodeAll(raw, nil), nil
}

// Decode implements Codec.
func (c *zstdCodec) Decode(data []byte) (*Checkpoint, error) {
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress checkpoint: %w", err)
	}
	return c.inner.Decode(raw)
}

// CodecByName resolves a codec from configuration.
// name is "json" or "msgpack"; compress adds zstd.
func CodecByName(name string, compress bool) (Codec, error) {
	var codec Codec
	switch name {
	case "", "json":
		codec = JSONCodec{}
	case "msgpack":
		codec = MsgpackCodec{}
	default:
		return nil, fmt.Errorf("unknown checkpoint codec: %q", name)
	}
	if compress {
		return Compressed(codec)
	}
	return codec, nil
}
