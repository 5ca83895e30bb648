package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrIncomplete reports that the buffer ends before the message does.
	// It is not a failure: the caller keeps the bytes and waits for more.
	ErrIncomplete = errors.New("incomplete message")

	// ErrUnknownMessageType reports a type tag outside the catalogue.
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrFieldTooLarge reports a string or blob above the size limits.
	ErrFieldTooLarge = errors.New("field too large")

	// ErrSchemaMismatch reports a message whose slots disagree with its schema.
	ErrSchemaMismatch = errors.New("schema mismatch")
)

// reader walks a byte slice, reporting ErrIncomplete when it runs dry.
type reader struct {
	data []byte
	off  int
}

func (r *reader) take(n int) ([]byte, error) {
	if len(r.data)-r.off < n {
		return nil, ErrIncomplete
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) uint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) uint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) readField(ft FieldType, slot any) error {
	switch ft {
	case FieldInt8, FieldUint8, FieldEnum:
		v, err := r.uint8()
		if err != nil {
			return err
		}
		switch p := slot.(type) {
		case *int8:
			*p = int8(v)
		case *uint8:
			*p = v
		case enum:
			p.setEnumByte(v)
		default:
			return mismatch(ft, slot)
		}
	case FieldInt16, FieldUint16:
		v, err := r.uint16()
		if err != nil {
			return err
		}
		switch p := slot.(type) {
		case *int16:
			*p = int16(v)
		case *uint16:
			*p = v
		default:
			return mismatch(ft, slot)
		}
	case FieldInt32, FieldUint32:
		v, err := r.uint32()
		if err != nil {
			return err
		}
		switch p := slot.(type) {
		case *int32:
			*p = int32(v)
		case *uint32:
			*p = v
		default:
			return mismatch(ft, slot)
		}
	case FieldInt64, FieldUint64:
		v, err := r.uint64()
		if err != nil {
			return err
		}
		switch p := slot.(type) {
		case *int64:
			*p = int64(v)
		case *uint64:
			*p = v
		default:
			return mismatch(ft, slot)
		}
	case FieldString:
		p, ok := slot.(*string)
		if !ok {
			return mismatch(ft, slot)
		}
		n, err := r.uint16()
		if err != nil {
			return err
		}
		b, err := r.take(int(n))
		if err != nil {
			return err
		}
		*p = string(b)
	case FieldBlob:
		p, ok := slot.(*[]byte)
		if !ok {
			return mismatch(ft, slot)
		}
		n, err := r.uint32()
		if err != nil {
			return err
		}
		if n > MaxBlobSize {
			return fmt.Errorf("blob of %d bytes: %w", n, ErrFieldTooLarge)
		}
		b, err := r.take(int(n))
		if err != nil {
			return err
		}
		*p = append([]byte{}, b...)
	default:
		return fmt.Errorf("field type %s: %w", ft, ErrSchemaMismatch)
	}
	return nil
}

// Decode parses one message from the front of data and returns it with the
// number of bytes consumed. If data holds only a prefix of a message the
// error is ErrIncomplete and nothing is consumed.
func Decode(data []byte) (Message, int, error) {
	if len(data) == 0 {
		return nil, 0, ErrIncomplete
	}

	t := Type(data[0])
	if t >= numTypes {
		return nil, 0, fmt.Errorf("tag %d: %w", data[0], ErrUnknownMessageType)
	}

	s := schemas[t]
	m := s.new()
	slots := m.slots()
	if len(slots) != len(s.Fields) {
		return nil, 0, fmt.Errorf("%s: %w", s.Name, ErrSchemaMismatch)
	}

	r := reader{data: data, off: 1}
	for i, f := range s.Fields {
		if err := r.readField(f.Type, slots[i]); err != nil {
			if errors.Is(err, ErrIncomplete) {
				return nil, 0, ErrIncomplete
			}
			return nil, 0, fmt.Errorf("decode %s.%s: %w", s.Name, f.Name, err)
		}
	}

	return m, r.off, nil
}

// Framer reassembles messages from arbitrarily fragmented reads. Bytes that
// do not yet form a whole message are retained for the next Feed.
type Framer struct {
	buf []byte
}

// Feed appends p to the retained tail and hands every complete message to
// handle in stream order. A decode error or an error from handle stops the
// loop and is returned; the framer should then be discarded.
func (f *Framer) Feed(p []byte, handle func(Message) error) error {
	f.buf = append(f.buf, p...)

	consumed := 0
	for consumed < len(f.buf) {
		m, n, err := Decode(f.buf[consumed:])
		if errors.Is(err, ErrIncomplete) {
			break
		}
		if err != nil {
			return err
		}
		consumed += n
		if err := handle(m); err != nil {
			return err
		}
	}

	f.buf = f.buf[:copy(f.buf, f.buf[consumed:])]
	return nil
}

// Buffered returns the number of retained bytes awaiting completion.
func (f *Framer) Buffered() int {
	return len(f.buf)
}
