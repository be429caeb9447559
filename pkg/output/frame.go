package output

import (
	"encoding/binary"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/norasector/carp/pkg/digitiser"
)

// Record field numbers on the wire.
const (
	fieldChannel        protowire.Number = 1
	fieldTimestamp      protowire.Number = 2
	fieldEnergy         protowire.Number = 3
	fieldWaveformLength protowire.Number = 4
	fieldSamples        protowire.Number = 5

	headerSize = 2
)

var (
	ErrFrameTooLarge = errors.New("record frame too large")
	ErrMalformed     = errors.New("malformed record frame")
)

// EncodeRecord marshals a record in protobuf wire format. Only the valid
// samples are written, as packed zigzag varints.
func EncodeRecord(rec *digitiser.Record) []byte {
	samples := rec.Valid()

	var packed []byte
	for _, s := range samples {
		packed = protowire.AppendVarint(packed, protowire.EncodeZigZag(int64(s)))
	}

	var b []byte
	b = protowire.AppendTag(b, fieldChannel, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rec.Channel))
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, rec.Timestamp)
	b = protowire.AppendTag(b, fieldEnergy, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rec.Energy))
	b = protowire.AppendTag(b, fieldWaveformLength, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(len(samples)))
	if len(packed) > 0 {
		b = protowire.AppendTag(b, fieldSamples, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	return b
}

func DecodeRecord(b []byte) (*digitiser.Record, error) {
	rec := &digitiser.Record{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldSamples && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			for len(packed) > 0 {
				v, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
				}
				packed = packed[m:]
				rec.Samples = append(rec.Samples, int16(protowire.DecodeZigZag(v)))
			}
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldChannel:
				rec.Channel = uint8(v)
			case fieldTimestamp:
				rec.Timestamp = v
			case fieldEnergy:
				rec.Energy = uint16(v)
			case fieldWaveformLength:
				rec.WaveformLength = uint(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return rec, nil
}

// Frame prefixes the encoded record with its little-endian uint16 length.
func Frame(rec *digitiser.Record) ([]byte, error) {
	encoded := EncodeRecord(rec)
	if len(encoded) > 0xffff {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(encoded))
	}
	msg := make([]byte, headerSize, headerSize+len(encoded))
	binary.LittleEndian.PutUint16(msg, uint16(len(encoded)))
	return append(msg, encoded...), nil
}

// Unframe is the inverse of Frame.
func Unframe(msg []byte) (*digitiser.Record, error) {
	if len(msg) < headerSize {
		return nil, fmt.Errorf("%w: short header", ErrMalformed)
	}
	size := int(binary.LittleEndian.Uint16(msg))
	if len(msg)-headerSize < size {
		return nil, fmt.Errorf("%w: want %d bytes, have %d", ErrMalformed, size, len(msg)-headerSize)
	}
	return DecodeRecord(msg[headerSize : headerSize+size])
}
