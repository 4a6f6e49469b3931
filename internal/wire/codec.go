package wire

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/nominum/ccchannel/internal/ccerr"
)

// Wire value type tags (spec.md 4.1).
const (
	vtypeBlob  = 0x01
	vtypeTable = 0x02
	vtypeList  = 0x03
)

// MaxWireSize is the maximum accepted size of an encoded table (the frame
// body, before the outer length/version header is added).
const MaxWireSize = 4 * 1024 * 1024

// IntBlob renders a native unsigned integer as its decimal-string blob form,
// per the encoder's integer-coercion contract.
func IntBlob(n uint64) Blob { return Blob(strconv.FormatUint(n, 10)) }

// BoolBlob renders a native boolean as "1" or "0", per the encoder's
// boolean-coercion contract. The protocol only ever uses the true case
// ("1") for flag fields, but both are supported for completeness.
func BoolBlob(b bool) Blob {
	if b {
		return Blob("1")
	}
	return Blob("0")
}

// EncodeTable encodes a table's entries: the concatenation of
// u8 keylen | key_bytes | value for each entry, in table order.
func EncodeTable(t *Table) ([]byte, error) {
	var out []byte
	for _, k := range t.keys {
		if len(k) < 1 || len(k) > 255 {
			return nil, fmt.Errorf("%w: table key length %d out of range [1,255]", ccerr.ErrBadForm, len(k))
		}
		out = append(out, byte(len(k)-1))
		out = append(out, k...)
		enc, err := encodeValue(t.values[k])
		if err != nil {
			return nil, err
		}
		out = append(out, enc...)
	}
	return out, nil
}

func encodeValue(v Value) ([]byte, error) {
	var payload []byte
	var vtype byte
	switch val := v.(type) {
	case Blob:
		payload = val
		vtype = vtypeBlob
	case *Table:
		enc, err := EncodeTable(val)
		if err != nil {
			return nil, err
		}
		payload = enc
		vtype = vtypeTable
	case List:
		for _, item := range val {
			enc, err := encodeValue(item)
			if err != nil {
				return nil, err
			}
			payload = append(payload, enc...)
		}
		vtype = vtypeList
	default:
		return nil, fmt.Errorf("%w: unsupported value type %T", ccerr.ErrBadForm, v)
	}
	if uint64(len(payload)) > 0xFFFFFFFF {
		return nil, fmt.Errorf("%w: value payload exceeds u32 length", ccerr.ErrMessageTooBig)
	}
	header := make([]byte, 5)
	header[0] = vtype
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	return append(header, payload...), nil
}

// DecodeTable decodes the entries of a table from its wire representation.
//
// The spec's _data string-coercion policy (blobs inside the top-level
// _data table are interpreted as UTF-8 text when they decode cleanly) has
// no observable effect on this Go representation: Blob already exposes
// both a []byte view and a String() view of the same bytes, and Go string
// conversion never fails the way Python's strict UTF-8 decode can, so
// there is no raw/text variant to choose between at decode time -- callers
// simply use Blob.String() where the original would have produced str.
func DecodeTable(data []byte) (*Table, error) {
	t, _, err := decodeTable(data)
	return t, err
}

func decodeTable(data []byte) (*Table, int, error) {
	t := NewTable()
	off := 0
	for off < len(data) {
		if off+1 > len(data) {
			return nil, 0, fmt.Errorf("%w: table key header", ccerr.ErrUnexpectedEnd)
		}
		keylen := int(data[off]) + 1
		off++
		if off+keylen > len(data) {
			return nil, 0, fmt.Errorf("%w: table key truncated", ccerr.ErrUnexpectedEnd)
		}
		key := string(data[off : off+keylen])
		off += keylen

		value, n, err := decodeValue(data[off:])
		if err != nil {
			return nil, 0, err
		}
		t.Set(key, value)
		off += n
	}
	return t, off, nil
}

func decodeValue(data []byte) (Value, int, error) {
	if len(data) < 5 {
		return nil, 0, fmt.Errorf("%w: value header", ccerr.ErrUnexpectedEnd)
	}
	vtype := data[0]
	length := binary.BigEndian.Uint32(data[1:5])
	rest := data[5:]
	if uint64(len(rest)) < uint64(length) {
		return nil, 0, fmt.Errorf("%w: value payload", ccerr.ErrUnexpectedEnd)
	}
	payload := rest[:length]

	switch vtype {
	case vtypeBlob:
		return Blob(payload), 5 + int(length), nil
	case vtypeTable:
		sub, _, err := decodeTable(payload)
		if err != nil {
			return nil, 0, err
		}
		return sub, 5 + int(length), nil
	case vtypeList:
		list, err := decodeList(payload)
		if err != nil {
			return nil, 0, err
		}
		return list, 5 + int(length), nil
	default:
		return nil, 0, fmt.Errorf("%w: unknown value type 0x%02x", ccerr.ErrBadForm, vtype)
	}
}

func decodeList(data []byte) (List, error) {
	var out List
	off := 0
	for off < len(data) {
		v, n, err := decodeValue(data[off:])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
		off += n
	}
	return out, nil
}
