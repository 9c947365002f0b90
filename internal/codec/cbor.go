package codec

import (
	"github.com/fxamacker/cbor/v2"
)

// CBORID is the codec_id negotiated for the default codec.
const CBORID = "cbor"

// CBORCodec is the default Codec, backed by github.com/fxamacker/cbor/v2:
// one encode/decode mode pair per call, no shared mutable state.
type CBORCodec struct {
	encOpts cbor.EncOptions
	decOpts cbor.DecOptions
}

// NewCBOR builds a CBORCodec with canonical (deterministic) encoding, so
// repeated encodes of equal values stay byte-identical.
func NewCBOR() *CBORCodec {
	return &CBORCodec{
		encOpts: cbor.CanonicalEncOptions(),
		decOpts: cbor.DecOptions{},
	}
}

func (c *CBORCodec) ID() string { return CBORID }

func (c *CBORCodec) Encode(v any) ([]byte, error) {
	mode, err := c.encOpts.EncMode()
	if err != nil {
		return nil, Wrap("encode-mode", err)
	}
	data, err := mode.Marshal(v)
	if err != nil {
		return nil, Wrap("encode", err)
	}
	return data, nil
}

func (c *CBORCodec) Decode(data []byte, v any) error {
	mode, err := c.decOpts.DecMode()
	if err != nil {
		return Wrap("decode-mode", err)
	}
	if err := mode.Unmarshal(data, v); err != nil {
		return Wrap("decode", err)
	}
	return nil
}

func (c *CBORCodec) EncodeError(e *ErrorDescriptor) ([]byte, error) {
	return c.Encode(e)
}

func (c *CBORCodec) DecodeError(data []byte) (*ErrorDescriptor, error) {
	var e ErrorDescriptor
	if err := c.Decode(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
