// Package wire implements the command channel's nested typed-value
// encoding: an abstract Value tree of blobs, ordered tables, and lists,
// and its binary wire representation.
package wire

// Value is a node in the command channel's value tree: exactly one of
// Blob, Table, or List.
type Value interface {
	isValue()
}

// Blob is an opaque byte string. By contract table keys and the well-known
// _ctrl/_data fields are UTF-8, but a Blob may hold arbitrary bytes.
type Blob []byte

func (Blob) isValue() {}

// String returns the blob's contents interpreted as a string, regardless
// of whether they are valid UTF-8. Use for values already known to be text.
func (b Blob) String() string { return string(b) }

// Table is an ordered mapping from short string keys to Values. Insertion
// order is preserved for encoding; key lookup is by unique key.
type Table struct {
	keys   []string
	values map[string]Value
}

func (*Table) isValue() {}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{values: make(map[string]Value)}
}

// Set inserts or replaces the value at key. Insertion order is preserved
// for keys set for the first time; replacing an existing key keeps its
// original position.
func (t *Table) Set(key string, v Value) {
	if _, ok := t.values[key]; !ok {
		t.keys = append(t.keys, key)
	}
	t.values[key] = v
}

// Get returns the value at key and whether it was present.
func (t *Table) Get(key string) (Value, bool) {
	v, ok := t.values[key]
	return v, ok
}

// Delete removes key from the table, if present.
func (t *Table) Delete(key string) {
	if _, ok := t.values[key]; !ok {
		return
	}
	delete(t.values, key)
	for i, k := range t.keys {
		if k == key {
			t.keys = append(t.keys[:i], t.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the table's keys in insertion order.
func (t *Table) Keys() []string {
	out := make([]string, len(t.keys))
	copy(out, t.keys)
	return out
}

// Len returns the number of entries in the table.
func (t *Table) Len() int { return len(t.keys) }

// GetBlob is a convenience accessor for the common case of a blob-valued field.
func (t *Table) GetBlob(key string) (Blob, bool) {
	v, ok := t.Get(key)
	if !ok {
		return nil, false
	}
	b, ok := v.(Blob)
	return b, ok
}

// GetTable is a convenience accessor for the common case of a table-valued field.
func (t *Table) GetTable(key string) (*Table, bool) {
	v, ok := t.Get(key)
	if !ok {
		return nil, false
	}
	sub, ok := v.(*Table)
	return sub, ok
}

// GetString returns key's blob value as a string, if present and blob-typed.
func (t *Table) GetString(key string) (string, bool) {
	b, ok := t.GetBlob(key)
	if !ok {
		return "", false
	}
	return b.String(), true
}

// List is an ordered sequence of Values.
type List []Value

func (List) isValue() {}

// SetString is a convenience for Set(key, Blob(value)).
func (t *Table) SetString(key, value string) {
	t.Set(key, Blob(value))
}
