package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PacketBuilder constructs binary messages in network byte order.
// The first error encountered is retained and reported by Err; later
// writes become no-ops.
type PacketBuilder struct {
	buf bytes.Buffer
	tmp [8]byte
	err error
}

// NewPacketBuilder creates a new PacketBuilder.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{}
}

// WriteByte writes a single byte.
func (b *PacketBuilder) WriteByte(v byte) *PacketBuilder {
	if b.err == nil {
		b.buf.WriteByte(v)
	}
	return b
}

// WriteUint16 writes a uint16 in big-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	if b.err == nil {
		binary.BigEndian.PutUint16(b.tmp[:2], v)
		b.buf.Write(b.tmp[:2])
	}
	return b
}

// WriteUint32 writes a uint32 in big-endian order.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	if b.err == nil {
		binary.BigEndian.PutUint32(b.tmp[:4], v)
		b.buf.Write(b.tmp[:4])
	}
	return b
}

// WriteUint64 writes a uint64 in big-endian order.
func (b *PacketBuilder) WriteUint64(v uint64) *PacketBuilder {
	if b.err == nil {
		binary.BigEndian.PutUint64(b.tmp[:8], v)
		b.buf.Write(b.tmp[:8])
	}
	return b
}

// WriteString writes a length-prefixed string.
// Format: [length:2][utf-8 bytes...]
func (b *PacketBuilder) WriteString(s string) *PacketBuilder {
	if len(s) > MaxStringSize {
		b.fail(fmt.Errorf("string of %d bytes: %w", len(s), ErrFieldTooLarge))
		return b
	}
	b.WriteUint16(uint16(len(s)))
	if b.err == nil {
		b.buf.WriteString(s)
	}
	return b
}

// WriteBlob writes a length-prefixed byte blob.
// Format: [length:4][raw bytes...]
func (b *PacketBuilder) WriteBlob(data []byte) *PacketBuilder {
	if len(data) > MaxBlobSize {
		b.fail(fmt.Errorf("blob of %d bytes: %w", len(data), ErrFieldTooLarge))
		return b
	}
	b.WriteUint32(uint32(len(data)))
	if b.err == nil {
		b.buf.Write(data)
	}
	return b
}

func (b *PacketBuilder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Err returns the first error recorded by a write.
func (b *PacketBuilder) Err() error {
	return b.err
}

// Build returns the constructed packet bytes.
func (b *PacketBuilder) Build() []byte {
	return b.buf.Bytes()
}

// writeField encodes one schema slot. The slot must point at the Go type
// matching the declared wire type.
func (b *PacketBuilder) writeField(ft FieldType, slot any) error {
	switch ft {
	case FieldInt8:
		v, ok := slot.(*int8)
		if !ok {
			return mismatch(ft, slot)
		}
		b.WriteByte(byte(*v))
	case FieldUint8:
		v, ok := slot.(*uint8)
		if !ok {
			return mismatch(ft, slot)
		}
		b.WriteByte(*v)
	case FieldInt16:
		v, ok := slot.(*int16)
		if !ok {
			return mismatch(ft, slot)
		}
		b.WriteUint16(uint16(*v))
	case FieldUint16:
		v, ok := slot.(*uint16)
		if !ok {
			return mismatch(ft, slot)
		}
		b.WriteUint16(*v)
	case FieldInt32:
		v, ok := slot.(*int32)
		if !ok {
			return mismatch(ft, slot)
		}
		b.WriteUint32(uint32(*v))
	case FieldUint32:
		v, ok := slot.(*uint32)
		if !ok {
			return mismatch(ft, slot)
		}
		b.WriteUint32(*v)
	case FieldInt64:
		v, ok := slot.(*int64)
		if !ok {
			return mismatch(ft, slot)
		}
		b.WriteUint64(uint64(*v))
	case FieldUint64:
		v, ok := slot.(*uint64)
		if !ok {
			return mismatch(ft, slot)
		}
		b.WriteUint64(*v)
	case FieldString:
		v, ok := slot.(*string)
		if !ok {
			return mismatch(ft, slot)
		}
		b.WriteString(*v)
	case FieldBlob:
		v, ok := slot.(*[]byte)
		if !ok {
			return mismatch(ft, slot)
		}
		b.WriteBlob(*v)
	case FieldEnum:
		v, ok := slot.(enum)
		if !ok {
			return mismatch(ft, slot)
		}
		b.WriteByte(v.enumByte())
	default:
		return fmt.Errorf("field type %s: %w", ft, ErrSchemaMismatch)
	}
	return b.err
}

// Encode serialises a message as [tag:1][fields...].
func Encode(m Message) ([]byte, error) {
	t := m.Type()
	if t >= numTypes {
		return nil, fmt.Errorf("tag %d: %w", uint8(t), ErrUnknownMessageType)
	}
	s := schemas[t]
	slots := m.slots()
	if len(slots) != len(s.Fields) {
		return nil, fmt.Errorf("%s has %d slots for %d fields: %w", s.Name, len(slots), len(s.Fields), ErrSchemaMismatch)
	}

	b := NewPacketBuilder()
	b.WriteByte(byte(t))
	for i, f := range s.Fields {
		if err := b.writeField(f.Type, slots[i]); err != nil {
			return nil, fmt.Errorf("encode %s.%s: %w", s.Name, f.Name, err)
		}
	}
	return b.Build(), nil
}

func mismatch(ft FieldType, slot any) error {
	return fmt.Errorf("%s slot holds %T: %w", ft, slot, ErrSchemaMismatch)
}
