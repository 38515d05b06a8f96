package wire

import (
	"tradegate/internal/schema"
	"tradegate/pkg/exception"
)

// Pipeline is the per-endpoint codec: serialize, compress, encrypt on the way
// out and the exact inverse on the way in. Both ends of a connection must be
// built with the same compression codec and matching keys.
type Pipeline struct {
	ser  Serializer
	comp Compressor
	enc  Encryptor
}

// Settings selects the stages of a pipeline.
type Settings struct {
	Compression string
	Encryption  EncryptionSettings
}

// NewPipeline builds a pipeline with the canonical serializer.
func NewPipeline(s Settings) (*Pipeline, error) {
	ser, err := NewCBORSerializer()
	if err != nil {
		return nil, err
	}
	comp, err := NewCompressor(s.Compression)
	if err != nil {
		return nil, err
	}
	enc, err := NewEncryptor(s.Encryption)
	if err != nil {
		return nil, err
	}
	return &Pipeline{ser: ser, comp: comp, enc: enc}, nil
}

func (p *Pipeline) Compression() string { return p.comp.Name() }
func (p *Pipeline) Encryption() string  { return p.enc.Name() }

// Encode turns m into a frame payload.
func (p *Pipeline) Encode(m schema.Message) ([]byte, error) {
	raw, err := p.ser.Marshal(m)
	if err != nil {
		return nil, encodeError(exception.StageSerialize, m.Type, 0, err)
	}
	packed, err := p.comp.Compress(raw)
	if err != nil {
		return nil, encodeError(exception.StageCompress, m.Type, len(raw), err)
	}
	sealed, err := p.enc.Seal(packed)
	if err != nil {
		return nil, encodeError(exception.StageEncrypt, m.Type, len(packed), err)
	}
	return sealed, nil
}

// Decode reverses Encode and validates the envelope. Any failure is a
// CodecError naming the stage; the caller drops the frame.
func (p *Pipeline) Decode(b []byte) (schema.Message, error) {
	packed, err := p.enc.Open(b)
	if err != nil {
		return schema.Message{}, decodeError(exception.StageEncrypt, "", len(b), err)
	}
	raw, err := p.comp.Decompress(packed)
	if err != nil {
		return schema.Message{}, decodeError(exception.StageCompress, "", len(packed), err)
	}
	m, err := p.ser.Unmarshal(raw)
	if err != nil {
		return schema.Message{}, decodeError(exception.StageSerialize, "", len(raw), err)
	}
	if err := m.Validate(); err != nil {
		return schema.Message{}, decodeError(exception.StageSerialize, m.Type, len(raw), err)
	}
	return m, nil
}

func encodeError(stage, typ string, size int, err error) error {
	return &exception.CodecError{Stage: stage, Direction: exception.DirectionEncode, Type: typ, Size: size, Err: err}
}

func decodeError(stage, typ string, size int, err error) error {
	return &exception.CodecError{Stage: stage, Direction: exception.DirectionDecode, Type: typ, Size: size, Err: err}
}
