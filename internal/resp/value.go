// Package resp implements an encoder and a streaming decoder for the
// Redis Serialization Protocol. Grounded in
// JaipreethTiruvaipati-Multithreaded_Redis_Server/app/resp.go's Resp/
// Writer split (a buffered-reader parser paired with a byte-appending
// writer), generalized from that example's two recognized types (array,
// bulk string) into the full RESP type table, and from a blocking
// per-frame Read() into a streaming Decode over whatever bytes a
// connection has buffered so far.
package resp

// Kind discriminates the RESP value universe the encoder and decoder
// share.
type Kind int

const (
	KindNull Kind = iota
	KindSimpleString
	KindBool
	KindError
	KindInt
	KindFloat
	KindBulkString
	KindArray
	KindMap
	KindSet
)

// MapEntry is one key-value pair inside a Map value.
type MapEntry struct {
	Key Value
	Val Value
}

// Value is the tagged value every RESP frame decodes into and every reply
// is built from.
type Value struct {
	Kind Kind
	Str  string     // simple string payload, and error reason
	Bool bool
	Int  int64
	Flt  float64
	Bulk []byte // bulk string payload
	Arr  []Value
	Map  []MapEntry
	Set  []Value
}

func Null() Value                   { return Value{Kind: KindNull} }
func OK() Value                     { return Value{Kind: KindSimpleString, Str: "OK"} }
func SimpleString(s string) Value   { return Value{Kind: KindSimpleString, Str: s} }
func Bool(b bool) Value             { return Value{Kind: KindBool, Bool: b} }
func Error(reason string) Value     { return Value{Kind: KindError, Str: reason} }
func Int(n int64) Value             { return Value{Kind: KindInt, Int: n} }
func Float(f float64) Value         { return Value{Kind: KindFloat, Flt: f} }
func BulkString(b []byte) Value     { return Value{Kind: KindBulkString, Bulk: b} }
func BulkStringS(s string) Value    { return Value{Kind: KindBulkString, Bulk: []byte(s)} }
func Array(xs []Value) Value        { return Value{Kind: KindArray, Arr: xs} }
func Map(m []MapEntry) Value        { return Value{Kind: KindMap, Map: m} }
func Set(xs []Value) Value          { return Value{Kind: KindSet, Set: xs} }

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.Kind == KindNull }
