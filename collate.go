package branchdb

import (
	"math"
	"sort"
)

// CollateKey encodes a JSON-like value into a byte string such that
// byte-comparing two encodings reproduces CouchDB's collation order
// (P10): null < false < true < numbers < strings < arrays < objects,
// applied recursively to array elements and object members.
//
// Supported inputs: nil, bool, float64/int/int64 (any Go numeric type),
// string, []interface{}, and map[string]interface{} (object members are
// collated in key-sorted order, since Go's map type carries no intrinsic
// order of its own).
func CollateKey(v interface{}) []byte {
	var out []byte
	return appendCollated(out, v)
}

const (
	tagEnd = iota
	tagNull
	tagFalse
	tagTrue
	tagNumber
	tagString
	tagArray
	tagObject
)

func appendCollated(out []byte, v interface{}) []byte {
	switch t := v.(type) {
	case nil:
		return append(out, tagNull)
	case bool:
		if t {
			return append(out, tagTrue)
		}
		return append(out, tagFalse)
	case string:
		out = append(out, tagString)
		return appendCollatedString(out, t)
	case []interface{}:
		out = append(out, tagArray)
		for _, elem := range t {
			out = appendCollated(out, elem)
		}
		return append(out, tagEnd)
	case map[string]interface{}:
		out = append(out, tagObject)
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = appendCollatedString(out, k)
			out = appendCollated(out, t[k])
		}
		return append(out, tagEnd)
	default:
		f, ok := toFloat64(v)
		if !ok {
			return append(out, tagNull)
		}
		out = append(out, tagNumber)
		return appendCollatedNumber(out, f)
	}
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// appendCollatedNumber encodes a float64 so that big-endian byte
// comparison reproduces numeric order across the full range, including
// negatives: flip all bits for negative numbers, set the sign bit for
// non-negative numbers, then emit big-endian.
func appendCollatedNumber(out []byte, f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	return append(out,
		byte(bits>>56), byte(bits>>48), byte(bits>>40), byte(bits>>32),
		byte(bits>>24), byte(bits>>16), byte(bits>>8), byte(bits))
}

// appendCollatedString appends s with embedded 0x00 bytes escaped to
// 0x00 0xFF and a 0x00 0x00 terminator, so that byte comparison matches
// lexicographic string order even across strings of different lengths.
func appendCollatedString(out []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		if s[i] == 0x00 {
			out = append(out, 0x00, 0xFF)
		} else {
			out = append(out, s[i])
		}
	}
	return append(out, 0x00, 0x00)
}
