package revision

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"lukechampine.com/blake3"

	"github.com/javanhut/Ivaldi-graph/internal/ident"
)

// Digest is the BLAKE3 digest of a revision's content.
type Digest [32]byte

const encodingVersion = 1

// Encode returns the canonical binary form of r, including its coordinates and serving
// metadata. Decode reverses it.
func Encode(r *Revision) []byte {
	var buf bytes.Buffer
	putUvarint(&buf, encodingVersion)
	putString(&buf, r.branch)
	putUvarint(&buf, uint64(r.version))
	putVarint(&buf, r.timestamp)
	putVarint(&buf, r.revised)
	buf.WriteByte(byte(r.perm))
	writeContent(&buf, r)
	return buf.Bytes()
}

// ContentDigest hashes the canonical content of r: id, class, container and features.
// Two revisions with equal digests are interchangeable for every read.
func (r *Revision) ContentDigest() Digest {
	var buf bytes.Buffer
	writeContent(&buf, r)
	return blake3.Sum256(buf.Bytes())
}

func writeContent(buf *bytes.Buffer, r *Revision) {
	putID(buf, r.id)
	putString(buf, r.class)
	putID(buf, r.container)
	putString(buf, r.containingField)
	putUvarint(buf, uint64(len(r.slots)))
	for _, s := range r.slots {
		putString(buf, s.name)
		if s.many {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		putUvarint(buf, uint64(len(s.values)))
		for _, v := range s.values {
			putValue(buf, v)
		}
	}
}

func putUvarint(buf *bytes.Buffer, n uint64) {
	var tmp [binary.MaxVarintLen64]byte
	buf.Write(tmp[:binary.PutUvarint(tmp[:], n)])
}

func putVarint(buf *bytes.Buffer, n int64) {
	var tmp [binary.MaxVarintLen64]byte
	buf.Write(tmp[:binary.PutVarint(tmp[:], n)])
}

func putString(buf *bytes.Buffer, s string) {
	putUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func putID(buf *bytes.Buffer, id ident.ID) {
	buf.WriteByte(byte(id.Kind()))
	switch id.Kind() {
	case ident.Persistent, ident.Temporary:
		putUvarint(buf, id.Num())
	case ident.External:
		putString(buf, id.URI())
	}
}

func putValue(buf *bytes.Buffer, v Value) {
	buf.WriteByte(byte(v.kind))
	switch v.kind {
	case StringValue:
		putString(buf, v.s)
	case IntValue:
		putVarint(buf, v.i)
	case FloatValue:
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v.f))
		buf.Write(tmp[:])
	case BoolValue:
		buf.WriteByte(byte(v.i))
	case RefValue:
		putID(buf, v.ref)
	}
}

// Decode parses the output of Encode. The result is frozen.
func Decode(data []byte) (*Revision, error) {
	rd := bytes.NewReader(data)
	version, err := binary.ReadUvarint(rd)
	if err != nil {
		return nil, fmt.Errorf("read encoding version: %w", err)
	}
	if version != encodingVersion {
		return nil, fmt.Errorf("unsupported revision encoding version: %d", version)
	}
	r := &Revision{frozen: true}
	if r.branch, err = readString(rd); err != nil {
		return nil, fmt.Errorf("read branch: %w", err)
	}
	v, err := binary.ReadUvarint(rd)
	if err != nil {
		return nil, fmt.Errorf("read version: %w", err)
	}
	r.version = int(v)
	if r.timestamp, err = binary.ReadVarint(rd); err != nil {
		return nil, fmt.Errorf("read timestamp: %w", err)
	}
	if r.revised, err = binary.ReadVarint(rd); err != nil {
		return nil, fmt.Errorf("read revised: %w", err)
	}
	perm, err := rd.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read permission: %w", err)
	}
	r.perm = Permission(perm)
	if err := readContent(rd, r); err != nil {
		return nil, err
	}
	if rd.Len() != 0 {
		return nil, fmt.Errorf("decode revision: %d trailing bytes", rd.Len())
	}
	return r, nil
}

func readContent(rd *bytes.Reader, r *Revision) error {
	var err error
	if r.id, err = readID(rd); err != nil {
		return fmt.Errorf("read id: %w", err)
	}
	if r.class, err = readString(rd); err != nil {
		return fmt.Errorf("read class: %w", err)
	}
	if r.container, err = readID(rd); err != nil {
		return fmt.Errorf("read container: %w", err)
	}
	if r.containingField, err = readString(rd); err != nil {
		return fmt.Errorf("read containing field: %w", err)
	}
	n, err := binary.ReadUvarint(rd)
	if err != nil {
		return fmt.Errorf("read feature count: %w", err)
	}
	if n > uint64(rd.Len()) {
		return fmt.Errorf("read feature count: %d exceeds input", n)
	}
	r.slots = make([]slot, n)
	for i := range r.slots {
		s := &r.slots[i]
		if s.name, err = readString(rd); err != nil {
			return fmt.Errorf("read feature name: %w", err)
		}
		many, err := rd.ReadByte()
		if err != nil {
			return fmt.Errorf("read feature %s: %w", s.name, err)
		}
		s.many = many == 1
		count, err := binary.ReadUvarint(rd)
		if err != nil {
			return fmt.Errorf("read feature %s: %w", s.name, err)
		}
		if count > uint64(rd.Len()) {
			return fmt.Errorf("read feature %s: %d values exceeds input", s.name, count)
		}
		for j := uint64(0); j < count; j++ {
			v, err := readValue(rd)
			if err != nil {
				return fmt.Errorf("read feature %s: %w", s.name, err)
			}
			s.values = append(s.values, v)
		}
	}
	return nil
}

func readString(rd *bytes.Reader) (string, error) {
	n, err := binary.ReadUvarint(rd)
	if err != nil {
		return "", err
	}
	if n > uint64(rd.Len()) {
		return "", io.ErrUnexpectedEOF
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(rd, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func readID(rd *bytes.Reader) (ident.ID, error) {
	k, err := rd.ReadByte()
	if err != nil {
		return ident.NullID, err
	}
	switch ident.Kind(k) {
	case ident.Null:
		return ident.NullID, nil
	case ident.Persistent, ident.Temporary:
		n, err := binary.ReadUvarint(rd)
		if err != nil {
			return ident.NullID, err
		}
		if ident.Kind(k) == ident.Persistent {
			return ident.NewPersistent(n), nil
		}
		return ident.NewTemporary(n), nil
	case ident.External:
		uri, err := readString(rd)
		if err != nil {
			return ident.NullID, err
		}
		return ident.NewExternal(uri), nil
	}
	return ident.NullID, fmt.Errorf("unknown id kind %d", k)
}

func readValue(rd *bytes.Reader) (Value, error) {
	k, err := rd.ReadByte()
	if err != nil {
		return Null, err
	}
	switch ValueKind(k) {
	case NullValue:
		return Null, nil
	case StringValue:
		s, err := readString(rd)
		return String(s), err
	case IntValue:
		n, err := binary.ReadVarint(rd)
		return Int(n), err
	case FloatValue:
		var tmp [8]byte
		if _, err := io.ReadFull(rd, tmp[:]); err != nil {
			return Null, err
		}
		return Float(math.Float64frombits(binary.BigEndian.Uint64(tmp[:]))), nil
	case BoolValue:
		b, err := rd.ReadByte()
		return Bool(b != 0), err
	case RefValue:
		id, err := readID(rd)
		return Ref(id), err
	}
	return Null, fmt.Errorf("unknown value kind %d", k)
}
