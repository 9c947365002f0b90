package codec

import "encoding/json"

// JSONID is the codec_id for the stdlib JSON codec. Mostly useful for
// debugging sessions by eye, or for ObjectFactory-backed objects whose
// arguments are easier to inspect as text.
const JSONID = "json"

// JSONCodec implements Codec with encoding/json. Note the runtime metadata
// record is always plain JSON written with encoding/json directly, never
// through a negotiated Codec, so it stays readable whichever payload codec
// a daemon speaks.
type JSONCodec struct{}

// NewJSON builds a JSONCodec.
func NewJSON() *JSONCodec { return &JSONCodec{} }

func (c *JSONCodec) ID() string { return JSONID }

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, Wrap("encode", err)
	}
	return data, nil
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return Wrap("decode", err)
	}
	return nil
}

func (c *JSONCodec) EncodeError(e *ErrorDescriptor) ([]byte, error) {
	return c.Encode(e)
}

func (c *JSONCodec) DecodeError(data []byte) (*ErrorDescriptor, error) {
	var e ErrorDescriptor
	if err := c.Decode(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
