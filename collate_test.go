package branchdb

import (
	"bytes"
	"sort"
	"testing"
)

// P10: null < false < true < numbers < strings < arrays < objects.
func TestCollateKeyOrdering(t *testing.T) {
	values := []interface{}{
		nil, false, true, -5.0, 0.0, 3.0,
		"apple", "banana",
		[]interface{}{1.0}, []interface{}{1.0, 2.0},
		map[string]interface{}{"a": 1.0},
	}

	encoded := make([][]byte, len(values))
	for i, v := range values {
		encoded[i] = CollateKey(v)
	}

	shuffled := append([][]byte{}, encoded...)
	sort.Slice(shuffled, func(i, j int) bool { return bytes.Compare(shuffled[i], shuffled[j]) < 0 })

	for i := range encoded {
		if !bytes.Equal(encoded[i], shuffled[i]) {
			t.Fatalf("collation order mismatch at index %d", i)
		}
	}
}

func TestCollateKeyNumberOrdering(t *testing.T) {
	nums := []float64{-100, -1, -0.5, 0, 0.5, 1, 100}
	var prev []byte
	for _, n := range nums {
		enc := CollateKey(n)
		if prev != nil && bytes.Compare(prev, enc) >= 0 {
			t.Fatalf("expected %v to sort before its successor", n)
		}
		prev = enc
	}
}
