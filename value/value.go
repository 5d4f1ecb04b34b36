// Package value holds dynamically-typed values deserialized from remote
// kernel payloads. A captured variable can be a number, a string, raw
// bytes, a sequence, or a nested mapping; Value keeps the tag explicit
// instead of forcing callers through interface{} assertions.
package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindSequence
	KindMapping
)

type Kind int

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	}

	return fmt.Sprintf("Kind(%d)", k)
}

// Value is a tagged variant. The zero value is null.
//
// Numbers remember the exact text they arrived as, so serializing a
// Value back to the wire reproduces the original bytes: an integer
// stays an integer and a float keeps its precision.
type Value struct {
	kind    Kind
	boolVal bool
	intVal  int64
	fltVal  float64
	strVal  string
	rawVal  []byte
	seqVal  []Value
	mapVal  map[string]Value
	numText string
}

func Null() Value {
	return Value{kind: KindNull}
}

func Bool(b bool) Value {
	return Value{kind: KindBool, boolVal: b}
}

func Int(i int64) Value {
	return Value{kind: KindInt, intVal: i, numText: strconv.FormatInt(i, 10)}
}

func Float(f float64) Value {
	return Value{kind: KindFloat, fltVal: f, numText: strconv.FormatFloat(f, 'g', -1, 64)}
}

func String(s string) Value {
	return Value{kind: KindString, strVal: s}
}

func Bytes(b []byte) Value {
	return Value{kind: KindBytes, rawVal: b}
}

func Sequence(elems []Value) Value {
	return Value{kind: KindSequence, seqVal: elems}
}

func Mapping(m map[string]Value) Value {
	return Value{kind: KindMapping, mapVal: m}
}

func (v Value) Kind() Kind {
	return v.kind
}

func (v Value) IsNull() bool {
	return v.kind == KindNull
}

func (v Value) AsBool() (bool, bool) {
	return v.boolVal, v.kind == KindBool
}

func (v Value) AsInt() (int64, bool) {
	return v.intVal, v.kind == KindInt
}

// AsFloat returns the numeric value for both float and int kinds.
func (v Value) AsFloat() (float64, bool) {
	if v.kind == KindInt {
		return float64(v.intVal), true
	}
	return v.fltVal, v.kind == KindFloat
}

func (v Value) AsString() (string, bool) {
	return v.strVal, v.kind == KindString
}

func (v Value) AsBytes() ([]byte, bool) {
	return v.rawVal, v.kind == KindBytes
}

func (v Value) AsSequence() ([]Value, bool) {
	return v.seqVal, v.kind == KindSequence
}

func (v Value) AsMapping() (map[string]Value, bool) {
	return v.mapVal, v.kind == KindMapping
}

// Lookup resolves a key on a mapping value.
func (v Value) Lookup(key string) (Value, bool) {
	if v.kind != KindMapping {
		return Null(), false
	}

	val, ok := v.mapVal[key]
	return val, ok
}

// Index resolves an element of a sequence value.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != KindSequence || i < 0 || i >= len(v.seqVal) {
		return Null(), false
	}

	return v.seqVal[i], true
}

func (v Value) String() string {
	out, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<%s!%v>", v.kind, err)
	}

	return string(out)
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.boolVal)
	case KindInt, KindFloat:
		return []byte(v.numText), nil
	case KindString:
		return json.Marshal(v.strVal)
	case KindBytes:
		return json.Marshal(v.rawVal)
	case KindSequence:
		return json.Marshal(v.seqVal)
	case KindMapping:
		return json.Marshal(v.mapVal)
	}

	return nil, fmt.Errorf("cannot marshal value of kind %s", v.kind)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	*v = fromDecoded(raw)
	return nil
}

func fromDecoded(raw interface{}) Value {
	switch t := raw.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Value{kind: KindInt, intVal: i, numText: t.String()}
		}
		f, _ := t.Float64()
		return Value{kind: KindFloat, fltVal: f, numText: t.String()}
	case string:
		return String(t)
	case []interface{}:
		elems := make([]Value, len(t))
		for i, e := range t {
			elems[i] = fromDecoded(e)
		}
		return Sequence(elems)
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = fromDecoded(e)
		}
		return Mapping(m)
	}

	// json.Decoder only produces the types above.
	return Null()
}

// Dict is a named collection of values, the deserialized form of one
// capture payload.
type Dict map[string]Value

// DecodeDict unmarshals a JSON object payload into a Dict.
func DecodeDict(payload []byte) (Dict, error) {
	var d Dict
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, err
	}

	if d == nil {
		d = make(Dict)
	}
	return d, nil
}

// Get resolves a captured variable by name.
func (d Dict) Get(name string) (Value, bool) {
	v, ok := d[name]
	return v, ok
}

// Merge overwrites entries of d with those of other, key by key.
func (d Dict) Merge(other Dict) {
	for k, v := range other {
		d[k] = v
	}
}

// Names returns the captured variable names, unordered.
func (d Dict) Names() []string {
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	return names
}

func (d Dict) String() string {
	out, err := json.Marshal(d)
	if err != nil {
		return fmt.Sprintf("<dict!%v>", err)
	}

	return string(out)
}
