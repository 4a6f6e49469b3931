package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeTable_Roundtrip(t *testing.T) {
	tbl := NewTable()
	tbl.SetString("_ctrl", "req")
	tbl.Set("_sseq", IntBlob(42))

	data := NewTable()
	data.SetString("name", "widget")
	data.Set("count", IntBlob(7))
	tbl.Set("_data", data)

	encoded, err := EncodeTable(tbl)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded, err := DecodeTable(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if v, ok := decoded.GetString("_ctrl"); !ok || v != "req" {
		t.Errorf("_ctrl = %q, %v; want req, true", v, ok)
	}
	sub, ok := decoded.GetTable("_data")
	if !ok {
		t.Fatalf("_data missing or not a table")
	}
	if v, ok := sub.GetString("name"); !ok || v != "widget" {
		t.Errorf("_data.name = %q, %v; want widget, true", v, ok)
	}
}

func TestTable_KeyOrderPreserved(t *testing.T) {
	tbl := NewTable()
	tbl.SetString("z", "1")
	tbl.SetString("a", "2")
	tbl.SetString("m", "3")

	if got := tbl.Keys(); !equalStrings(got, []string{"z", "a", "m"}) {
		t.Errorf("Keys() = %v, want [z a m]", got)
	}
}

func TestEncodeTable_KeyTooLong(t *testing.T) {
	tbl := NewTable()
	tbl.Set(string(make([]byte, 256)), Blob("x"))

	_, err := EncodeTable(tbl)
	if err == nil {
		t.Error("expected error for oversized key")
	}
}

func TestEncodeDecodeList_Roundtrip(t *testing.T) {
	tbl := NewTable()
	tbl.Set("items", List{Blob("one"), Blob("two"), IntBlob(3)})

	encoded, err := EncodeTable(tbl)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	decoded, err := DecodeTable(encoded)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	v, ok := decoded.Get("items")
	if !ok {
		t.Fatalf("items missing")
	}
	list, ok := v.(List)
	if !ok || len(list) != 3 {
		t.Fatalf("items = %#v; want a 3-element List", v)
	}
	if b, ok := list[0].(Blob); !ok || b.String() != "one" {
		t.Errorf("items[0] = %#v; want Blob(\"one\")", list[0])
	}
}

func TestDecodeTable_TruncatedKeyHeader(t *testing.T) {
	_, err := DecodeTable([]byte{0x03})
	if err == nil {
		t.Error("expected error for truncated key header")
	}
}

func TestDecodeTable_TruncatedValueHeader(t *testing.T) {
	data := []byte{0x00, 'k', 0x01, 0x00, 0x00}
	_, err := DecodeTable(data)
	if err == nil {
		t.Error("expected error for truncated value header")
	}
}

func TestDecodeTable_UnknownValueType(t *testing.T) {
	data := []byte{0x00, 'k', 0xFF, 0x00, 0x00, 0x00, 0x00}
	_, err := DecodeTable(data)
	if err == nil {
		t.Error("expected error for unknown value type")
	}
}

func TestIntBlob_BoolBlob(t *testing.T) {
	if IntBlob(42).String() != "42" {
		t.Errorf("IntBlob(42) = %q, want 42", IntBlob(42).String())
	}
	if BoolBlob(true).String() != "1" {
		t.Errorf("BoolBlob(true) = %q, want 1", BoolBlob(true).String())
	}
	if BoolBlob(false).String() != "0" {
		t.Errorf("BoolBlob(false) = %q, want 0", BoolBlob(false).String())
	}
}

func TestTable_DeletePreservesOrder(t *testing.T) {
	tbl := NewTable()
	tbl.SetString("a", "1")
	tbl.SetString("b", "2")
	tbl.SetString("c", "3")
	tbl.Delete("b")

	if got := tbl.Keys(); !equalStrings(got, []string{"a", "c"}) {
		t.Errorf("Keys() after delete = %v, want [a c]", got)
	}
	if _, ok := tbl.Get("b"); ok {
		t.Error("deleted key still present")
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func FuzzDecodeTable(f *testing.F) {
	seed := NewTable()
	seed.SetString("_ctrl", "req")
	seed.Set("_sseq", IntBlob(1))
	inner := NewTable()
	inner.SetString("hello", "world")
	seed.Set("_data", inner)
	encoded, _ := EncodeTable(seed)
	f.Add(encoded)
	f.Add([]byte{})
	f.Add([]byte{0x00})
	f.Add([]byte{0x00, 'x', 0x01, 0x00, 0x00, 0x00, 0x00})

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = DecodeTable(data)
	})
}

func FuzzEncodeDecodeTableRoundtrip(f *testing.F) {
	f.Add("widget", int64(7))
	f.Add("", int64(0))

	f.Fuzz(func(t *testing.T, name string, count int64) {
		if count < 0 {
			count = -count
		}
		tbl := NewTable()
		tbl.SetString("name", name)
		tbl.Set("count", IntBlob(uint64(count)))

		encoded, err := EncodeTable(tbl)
		if err != nil {
			return
		}
		decoded, err := DecodeTable(encoded)
		if err != nil {
			t.Fatalf("decode failed after successful encode: %v", err)
		}
		if got, _ := decoded.GetString("name"); got != name {
			t.Errorf("name roundtrip mismatch: got %q, want %q", got, name)
		}
		reenc, err := EncodeTable(decoded)
		if err != nil {
			t.Fatalf("re-encode failed: %v", err)
		}
		if !bytes.Equal(encoded, reenc) {
			t.Error("re-encoding decoded table did not reproduce original bytes")
		}
	})
}
