// Package codec implements the binary property codec for node and edge
// payloads.
//
// A payload is laid out as:
//
//	label_header (u32 label hash, big-endian)
//	field_count  (uvarint)
//	fields       (field_id, type_tag, value)*
//
// The field id is the UTF-8 field name length-prefixed with a uvarint, so
// the format is self-describing and fields unknown to newer readers survive
// a read-modify-write cycle unchanged. Fields are encoded in ascending name
// order, which makes the encoding deterministic: the same logical value
// always yields byte-identical output.
//
// The label header sits in front of the body so neighbor iterators can read
// a record's label with a 4-byte peek and skip full decoding.
//
// Integers in the header are big-endian; scalar payloads inside the body
// are little-endian.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/orneryd/helixgraph/pkg/storage"
)

// Type tags for encoded field values.
const (
	tagInt    byte = 0x01
	tagFloat  byte = 0x02
	tagString byte = 0x03
	tagBool   byte = 0x04
	tagTime   byte = 0x05
	tagList   byte = 0x06
	tagObject byte = 0x07
)

// Properties is the in-memory form of a property map. Supported value
// kinds: int64, float64, string, bool, time.Time, []any, and nested
// Properties (or map[string]any). Integer literals of other widths are
// normalized to int64 on encode.
type Properties map[string]any

// Encode serializes label and props into a payload blob.
func Encode(label string, props Properties) ([]byte, error) {
	buf := make([]byte, 4, 64)
	binary.BigEndian.PutUint32(buf[:4], storage.LabelHash(label))
	return appendBody(buf, props)
}

// EncodeBody serializes props without the label header. Used by records
// that carry their own header layout, such as vector metadata.
func EncodeBody(props Properties) ([]byte, error) {
	return appendBody(nil, props)
}

// ReadLabelHash returns the label hash from a payload without decoding the
// body.
func ReadLabelHash(blob []byte) (uint32, error) {
	if len(blob) < 4 {
		return 0, fmt.Errorf("%w: payload too short for label header", storage.ErrInvalidArgument)
	}
	return binary.BigEndian.Uint32(blob[:4]), nil
}

// Decode parses a payload produced by Encode.
func Decode(blob []byte) (labelHash uint32, props Properties, err error) {
	labelHash, err = ReadLabelHash(blob)
	if err != nil {
		return 0, nil, err
	}
	props, err = DecodeBody(blob[4:])
	return labelHash, props, err
}

// DecodeBody parses a body produced by EncodeBody.
func DecodeBody(body []byte) (Properties, error) {
	props, rest, err := decodeObject(body)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after payload", storage.ErrInvalidArgument, len(rest))
	}
	return props, nil
}

func appendBody(buf []byte, props Properties) ([]byte, error) {
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	buf = binary.AppendUvarint(buf, uint64(len(names)))
	for _, name := range names {
		buf = binary.AppendUvarint(buf, uint64(len(name)))
		buf = append(buf, name...)
		var err error
		buf, err = appendValue(buf, props[name])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
	}
	return buf, nil
}

func appendValue(buf []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case int64:
		buf = append(buf, tagInt)
		return binary.AppendVarint(buf, val), nil
	case int:
		buf = append(buf, tagInt)
		return binary.AppendVarint(buf, int64(val)), nil
	case int32:
		buf = append(buf, tagInt)
		return binary.AppendVarint(buf, int64(val)), nil
	case uint32:
		buf = append(buf, tagInt)
		return binary.AppendVarint(buf, int64(val)), nil
	case float64:
		buf = append(buf, tagFloat)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(val))
		return append(buf, b[:]...), nil
	case float32:
		return appendValue(buf, float64(val))
	case string:
		buf = append(buf, tagString)
		buf = binary.AppendUvarint(buf, uint64(len(val)))
		return append(buf, val...), nil
	case bool:
		buf = append(buf, tagBool)
		if val {
			return append(buf, 0x01), nil
		}
		return append(buf, 0x00), nil
	case time.Time:
		buf = append(buf, tagTime)
		return binary.AppendVarint(buf, val.UnixMilli()), nil
	case []any:
		buf = append(buf, tagList)
		buf = binary.AppendUvarint(buf, uint64(len(val)))
		for i, elem := range val {
			var err error
			buf, err = appendValue(buf, elem)
			if err != nil {
				return nil, fmt.Errorf("list[%d]: %w", i, err)
			}
		}
		return buf, nil
	case Properties:
		buf = append(buf, tagObject)
		return appendBody(buf, val)
	case map[string]any:
		buf = append(buf, tagObject)
		return appendBody(buf, Properties(val))
	case nil:
		return nil, fmt.Errorf("%w: nil property value", storage.ErrInvalidArgument)
	default:
		return nil, fmt.Errorf("%w: unsupported property type %T", storage.ErrInvalidArgument, v)
	}
}

func decodeObject(b []byte) (Properties, []byte, error) {
	count, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, nil, fmt.Errorf("%w: bad field count", storage.ErrInvalidArgument)
	}
	b = b[n:]

	props := make(Properties, count)
	for i := uint64(0); i < count; i++ {
		nameLen, n := binary.Uvarint(b)
		if n <= 0 || uint64(len(b[n:])) < nameLen {
			return nil, nil, fmt.Errorf("%w: bad field name", storage.ErrInvalidArgument)
		}
		name := string(b[n : n+int(nameLen)])
		b = b[n+int(nameLen):]

		var (
			val any
			err error
		)
		val, b, err = decodeValue(b)
		if err != nil {
			return nil, nil, fmt.Errorf("field %q: %w", name, err)
		}
		props[name] = val
	}
	return props, b, nil
}

func decodeValue(b []byte) (any, []byte, error) {
	if len(b) == 0 {
		return nil, nil, fmt.Errorf("%w: truncated value", storage.ErrInvalidArgument)
	}
	tag := b[0]
	b = b[1:]

	switch tag {
	case tagInt:
		v, n := binary.Varint(b)
		if n <= 0 {
			return nil, nil, fmt.Errorf("%w: bad int", storage.ErrInvalidArgument)
		}
		return v, b[n:], nil
	case tagFloat:
		if len(b) < 8 {
			return nil, nil, fmt.Errorf("%w: bad float", storage.ErrInvalidArgument)
		}
		v := math.Float64frombits(binary.LittleEndian.Uint64(b[:8]))
		return v, b[8:], nil
	case tagString:
		strLen, n := binary.Uvarint(b)
		if n <= 0 || uint64(len(b[n:])) < strLen {
			return nil, nil, fmt.Errorf("%w: bad string", storage.ErrInvalidArgument)
		}
		return string(b[n : n+int(strLen)]), b[n+int(strLen):], nil
	case tagBool:
		if len(b) < 1 {
			return nil, nil, fmt.Errorf("%w: bad bool", storage.ErrInvalidArgument)
		}
		return b[0] != 0x00, b[1:], nil
	case tagTime:
		ms, n := binary.Varint(b)
		if n <= 0 {
			return nil, nil, fmt.Errorf("%w: bad timestamp", storage.ErrInvalidArgument)
		}
		return time.UnixMilli(ms).UTC(), b[n:], nil
	case tagList:
		count, n := binary.Uvarint(b)
		if n <= 0 {
			return nil, nil, fmt.Errorf("%w: bad list", storage.ErrInvalidArgument)
		}
		b = b[n:]
		list := make([]any, 0, count)
		for i := uint64(0); i < count; i++ {
			var (
				elem any
				err  error
			)
			elem, b, err = decodeValue(b)
			if err != nil {
				return nil, nil, err
			}
			list = append(list, elem)
		}
		return list, b, nil
	case tagObject:
		obj, rest, err := decodeObject(b)
		return obj, rest, err
	default:
		return nil, nil, fmt.Errorf("%w: unknown type tag 0x%02x", storage.ErrInvalidArgument, tag)
	}
}
