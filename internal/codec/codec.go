// Package codec converts attribute values to and from a self-describing
// binary form shared by the backend session codecs. Encoding is
// deterministic: the same value always yields identical bytes, so
// delta-based backends never see spurious changes.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/kiln-dev/sessions"
)

// Type tags. Existing tags are frozen; new types append.
const (
	tagString byte = iota + 1
	tagBool
	tagInt
	tagInt64
	tagFloat64
	tagBytes
	tagTime
	tagDuration
	tagStringSlice
	tagStringMap
)

var errTruncated = errors.New("codec: truncated value")

// EncodeValue encodes one attribute value. Unsupported types fail with a
// *sessions.NotSerializableError; nothing is ever silently truncated.
func EncodeValue(v any) ([]byte, error) {
	var buf bytes.Buffer

	switch val := v.(type) {
	case string:
		buf.WriteByte(tagString)
		buf.WriteString(val)
	case bool:
		buf.WriteByte(tagBool)
		if val {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case int:
		buf.WriteByte(tagInt)
		writeInt64(&buf, int64(val))
	case int64:
		buf.WriteByte(tagInt64)
		writeInt64(&buf, val)
	case float64:
		buf.WriteByte(tagFloat64)
		writeUint64(&buf, math.Float64bits(val))
	case []byte:
		buf.WriteByte(tagBytes)
		buf.Write(val)
	case time.Time:
		data, err := val.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("codec: encode time: %w", err)
		}
		buf.WriteByte(tagTime)
		buf.Write(data)
	case time.Duration:
		buf.WriteByte(tagDuration)
		writeInt64(&buf, int64(val))
	case []string:
		buf.WriteByte(tagStringSlice)
		writeUint32(&buf, uint32(len(val)))
		for _, s := range val {
			writeLenString(&buf, s)
		}
	case map[string]string:
		buf.WriteByte(tagStringMap)
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		writeUint32(&buf, uint32(len(keys)))
		for _, k := range keys {
			writeLenString(&buf, k)
			writeLenString(&buf, val[k])
		}
	default:
		return nil, &sessions.NotSerializableError{Type: fmt.Sprintf("%T", v)}
	}

	return buf.Bytes(), nil
}

// DecodeValue decodes one attribute value produced by EncodeValue,
// restoring the original Go type.
func DecodeValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, errTruncated
	}
	tag, payload := data[0], data[1:]

	switch tag {
	case tagString:
		return string(payload), nil
	case tagBool:
		if len(payload) != 1 {
			return nil, errTruncated
		}
		return payload[0] == 1, nil
	case tagInt:
		n, err := readInt64(payload)
		if err != nil {
			return nil, err
		}
		return int(n), nil
	case tagInt64:
		return readInt64(payload)
	case tagFloat64:
		if len(payload) != 8 {
			return nil, errTruncated
		}
		return math.Float64frombits(binary.BigEndian.Uint64(payload)), nil
	case tagBytes:
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, nil
	case tagTime:
		var t time.Time
		if err := t.UnmarshalBinary(payload); err != nil {
			return nil, fmt.Errorf("codec: decode time: %w", err)
		}
		return t, nil
	case tagDuration:
		n, err := readInt64(payload)
		if err != nil {
			return nil, err
		}
		return time.Duration(n), nil
	case tagStringSlice:
		r := bytes.NewReader(payload)
		count, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		// Each element needs at least its 4-byte length prefix.
		if int64(count) > int64(r.Len())/4 {
			return nil, errTruncated
		}
		out := make([]string, 0, count)
		for i := uint32(0); i < count; i++ {
			s, err := readLenString(r)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	case tagStringMap:
		r := bytes.NewReader(payload)
		count, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		// Each entry needs at least two 4-byte length prefixes.
		if int64(count) > int64(r.Len())/8 {
			return nil, errTruncated
		}
		out := make(map[string]string, count)
		for i := uint32(0); i < count; i++ {
			k, err := readLenString(r)
			if err != nil {
				return nil, err
			}
			v, err := readLenString(r)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("codec: unknown value tag 0x%02x", tag)
	}
}

func writeInt64(buf *bytes.Buffer, v int64) {
	writeUint64(buf, uint64(v))
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeLenString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

func readInt64(payload []byte) (int64, error) {
	if len(payload) != 8 {
		return 0, errTruncated
	}
	return int64(binary.BigEndian.Uint64(payload)), nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errTruncated
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readLenString(r *bytes.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	if int(n) > r.Len() {
		return "", errTruncated
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", errTruncated
	}
	return string(b), nil
}
