package redisstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/kiln-dev/sessions"
	"github.com/kiln-dev/sessions/internal/codec"
)

// Blob layout, all integers big-endian:
//
//	byte    format version
//	int64   creation time, epoch milliseconds
//	int64   last-accessed time, epoch milliseconds
//	int64   max-inactive interval, milliseconds (non-positive = never)
//	uint16  attribute count
//	then per attribute: uint16 name length, name bytes,
//	uint32 value length, value bytes (internal/codec form)
//
// Attributes are written in sorted name order so identical sessions encode
// to identical bytes. Timestamps round-trip at millisecond precision.
const blobFormatVersion1 = 1

var (
	errBlobVersion   = errors.New("redisstore: unknown session blob version")
	errBlobTruncated = errors.New("redisstore: truncated session blob")
)

func encodeSession(s *sessions.MapSession) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(blobFormatVersion1)

	writeInt64(&buf, s.CreationTime().UnixMilli())
	writeInt64(&buf, s.LastAccessedTime().UnixMilli())
	writeInt64(&buf, s.MaxInactiveInterval().Milliseconds())

	attrs := s.Snapshot()
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) > 65535 {
		return nil, errors.New("redisstore: too many attributes")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(names))); err != nil {
		return nil, err
	}

	for _, name := range names {
		encoded, err := codec.EncodeValue(attrs[name])
		if err != nil {
			var nse *sessions.NotSerializableError
			if errors.As(err, &nse) {
				nse.Attribute = name
			}
			return nil, err
		}
		if len(name) > 65535 {
			return nil, fmt.Errorf("redisstore: attribute name too long: %q", name)
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(name))); err != nil {
			return nil, err
		}
		buf.WriteString(name)
		if err := binary.Write(&buf, binary.BigEndian, uint32(len(encoded))); err != nil {
			return nil, err
		}
		buf.Write(encoded)
	}

	return buf.Bytes(), nil
}

func decodeSession(id string, data []byte) (*sessions.MapSession, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, errBlobTruncated
	}
	if version != blobFormatVersion1 {
		return nil, errBlobVersion
	}

	creation, err := readInt64(reader)
	if err != nil {
		return nil, err
	}
	lastAccessed, err := readInt64(reader)
	if err != nil {
		return nil, err
	}
	maxInactiveMillis, err := readInt64(reader)
	if err != nil {
		return nil, err
	}

	var count uint16
	if err := binary.Read(reader, binary.BigEndian, &count); err != nil {
		return nil, errBlobTruncated
	}

	s := sessions.NewMapSession(id)
	s.SetCreationTime(time.UnixMilli(creation))
	s.SetLastAccessedTime(time.UnixMilli(lastAccessed))
	s.SetMaxInactiveInterval(time.Duration(maxInactiveMillis) * time.Millisecond)

	for i := uint16(0); i < count; i++ {
		var nameLen uint16
		if err := binary.Read(reader, binary.BigEndian, &nameLen); err != nil {
			return nil, errBlobTruncated
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(reader, name); err != nil {
			return nil, errBlobTruncated
		}

		var valueLen uint32
		if err := binary.Read(reader, binary.BigEndian, &valueLen); err != nil {
			return nil, errBlobTruncated
		}
		if int(valueLen) > reader.Len() {
			return nil, errBlobTruncated
		}
		encoded := make([]byte, valueLen)
		if _, err := io.ReadFull(reader, encoded); err != nil {
			return nil, errBlobTruncated
		}

		value, err := codec.DecodeValue(encoded)
		if err != nil {
			return nil, err
		}
		s.SetAttribute(string(name), value)
	}

	s.MarkClean()
	return s, nil
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func readInt64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, errBlobTruncated
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}
