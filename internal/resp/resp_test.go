package resp

import (
	"math"
	"testing"
)

func roundTrip(t *testing.T, v Value) Value {
	t.Helper()
	buf, err := EncodeOne(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeStrict(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return got
}

func TestRoundTripScalars(t *testing.T) {
	cases := []Value{
		Null(),
		OK(),
		SimpleString("QUEUED"),
		Bool(true),
		Bool(false),
		Error("ERR something"),
		Int(0),
		Int(-12345),
		BulkStringS("hello world"),
		BulkString([]byte{}),
	}
	for _, v := range cases {
		got := roundTrip(t, v)
		if got.Kind != v.Kind {
			t.Fatalf("kind mismatch: got %v want %v", got.Kind, v.Kind)
		}
		switch v.Kind {
		case KindSimpleString, KindError:
			if got.Str != v.Str {
				t.Fatalf("str mismatch: got %q want %q", got.Str, v.Str)
			}
		case KindBool:
			if got.Bool != v.Bool {
				t.Fatalf("bool mismatch: got %v want %v", got.Bool, v.Bool)
			}
		case KindInt:
			if got.Int != v.Int {
				t.Fatalf("int mismatch: got %d want %d", got.Int, v.Int)
			}
		case KindBulkString:
			if string(got.Bulk) != string(v.Bulk) {
				t.Fatalf("bulk mismatch: got %q want %q", got.Bulk, v.Bulk)
			}
		}
	}
}

func TestRoundTripFloat(t *testing.T) {
	for _, f := range []float64{0, 3.25, -3.25, math.Inf(1), math.Inf(-1)} {
		got := roundTrip(t, Float(f))
		if got.Kind != KindFloat {
			t.Fatalf("kind = %v, want KindFloat", got.Kind)
		}
		if got.Flt != f {
			t.Fatalf("float mismatch: got %v want %v", got.Flt, f)
		}
	}

	got := roundTrip(t, Float(math.NaN()))
	if !math.IsNaN(got.Flt) {
		t.Fatalf("nan did not round-trip, got %v", got.Flt)
	}
}

func TestRoundTripAggregates(t *testing.T) {
	arr := Array([]Value{Int(1), BulkStringS("two"), Null()})
	got := roundTrip(t, arr)
	if len(got.Arr) != 3 || got.Arr[0].Int != 1 || string(got.Arr[1].Bulk) != "two" || !got.Arr[2].IsNull() {
		t.Fatalf("array round-trip mismatch: %+v", got)
	}

	set := Set([]Value{Int(1), Int(2), Int(3)})
	got = roundTrip(t, set)
	if len(got.Set) != 3 {
		t.Fatalf("set round-trip mismatch: %+v", got)
	}

	m := Map([]MapEntry{{Key: BulkStringS("a"), Val: Int(1)}, {Key: BulkStringS("b"), Val: Int(2)}})
	got = roundTrip(t, m)
	if len(got.Map) != 2 || string(got.Map[0].Key.Bulk) != "a" || got.Map[0].Val.Int != 1 {
		t.Fatalf("map round-trip mismatch: %+v", got)
	}
}

func TestRoundTripNestedArray(t *testing.T) {
	nested := Array([]Value{
		Array([]Value{Int(1), Int(2)}),
		BulkStringS("leaf"),
	})
	got := roundTrip(t, nested)
	if len(got.Arr) != 2 || len(got.Arr[0].Arr) != 2 || got.Arr[0].Arr[1].Int != 2 {
		t.Fatalf("nested array mismatch: %+v", got)
	}
}

// TestDecodeSplitAcrossReads checks that feeding the same encoded command
// to Decode byte-by-byte yields exactly the same final value as feeding it
// whole, with every intermediate call reporting no values and no error.
func TestDecodeSplitAcrossReads(t *testing.T) {
	cmd := Array([]Value{BulkStringS("SET"), BulkStringS("key"), BulkStringS("value")})
	full, err := EncodeOne(cmd)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var buf []byte
	var got []Value
	for i := 0; i < len(full); i++ {
		buf = append(buf, full[i])
		values, rest, err := Decode(buf)
		if err != nil {
			t.Fatalf("decode at byte %d: %v", i, err)
		}
		if len(values) > 0 && i != len(full)-1 {
			t.Fatalf("decode produced a value before the frame was complete (byte %d)", i)
		}
		got = append(got, values...)
		buf = rest
	}
	if len(got) != 1 {
		t.Fatalf("got %d values, want 1", len(got))
	}
	if len(got[0].Arr) != 3 || string(got[0].Arr[0].Bulk) != "SET" {
		t.Fatalf("split-decoded command mismatch: %+v", got[0])
	}
}

func TestDecodeMultipleFramesInOneBuffer(t *testing.T) {
	one, _ := EncodeOne(SimpleString("PONG"))
	two, _ := EncodeOne(Int(42))
	buf := append(append([]byte{}, one...), two...)

	values, rest, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("rest = %q, want empty", rest)
	}
	if len(values) != 2 || values[0].Str != "PONG" || values[1].Int != 42 {
		t.Fatalf("values = %+v", values)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, _, err := Decode([]byte("X garbage\r\n"))
	if err != ErrInvalidType {
		t.Fatalf("err = %v, want ErrInvalidType", err)
	}
}

func TestDecodeStrictInsufficientData(t *testing.T) {
	_, err := DecodeStrict([]byte("$5\r\nhi\r\n"))
	if err != ErrInsufficientData {
		t.Fatalf("err = %v, want ErrInsufficientData", err)
	}
}

func TestDecodeStrictMalformedLine(t *testing.T) {
	_, err := DecodeStrict([]byte("$3\r\nabcXX"))
	if err != ErrMalformedLine {
		t.Fatalf("err = %v, want ErrMalformedLine", err)
	}
}

func TestDecodeStrictInvalidLength(t *testing.T) {
	_, err := DecodeStrict([]byte("$-2\r\n"))
	if err != ErrInvalidLength {
		t.Fatalf("err = %v, want ErrInvalidLength", err)
	}
}

func TestDecodeStrictInvalidInteger(t *testing.T) {
	_, err := DecodeStrict([]byte(":abc\r\n"))
	if err != ErrInvalidInteger {
		t.Fatalf("err = %v, want ErrInvalidInteger", err)
	}
}

func TestDecodeNullBulkAndArray(t *testing.T) {
	v, err := DecodeStrict([]byte("$-1\r\n"))
	if err != nil || !v.IsNull() {
		t.Fatalf("null bulk: v=%+v err=%v", v, err)
	}
	v, err = DecodeStrict([]byte("*-1\r\n"))
	if err != nil || !v.IsNull() {
		t.Fatalf("null array: v=%+v err=%v", v, err)
	}
}
