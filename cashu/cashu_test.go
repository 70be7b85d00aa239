package cashu

import (
	"testing"
)

func TestAmountSplit(t *testing.T) {
	tests := []struct {
		amount   uint64
		expected []uint64
	}{
		{amount: 0, expected: []uint64{}},
		{amount: 1, expected: []uint64{1}},
		{amount: 13, expected: []uint64{1, 4, 8}},
		{amount: 64, expected: []uint64{64}},
	}

	for _, test := range tests {
		got := AmountSplit(test.amount)
		if len(got) != len(test.expected) {
			t.Fatalf("amount %v: expected %v but got %v", test.amount, test.expected, got)
		}
		for i := range got {
			if got[i] != test.expected[i] {
				t.Fatalf("amount %v: expected %v but got %v", test.amount, test.expected, got)
			}
		}
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	tests := []struct {
		amount   uint64
		expected bool
	}{
		{0, false},
		{1, true},
		{2, true},
		{3, false},
		{64, true},
		{100, false},
	}

	for _, test := range tests {
		if got := IsPowerOfTwo(test.amount); got != test.expected {
			t.Errorf("amount %v: expected %v but got %v", test.amount, test.expected, got)
		}
	}
}

func TestCheckDuplicateProofs(t *testing.T) {
	noDups := Proofs{
		{Amount: 1, Id: "00", Secret: "a", C: "b"},
		{Amount: 2, Id: "00", Secret: "c", C: "d"},
	}
	if CheckDuplicateProofs(noDups) {
		t.Error("expected no duplicates")
	}

	withDups := Proofs{
		{Amount: 1, Id: "00", Secret: "a", C: "b"},
		{Amount: 1, Id: "00", Secret: "a", C: "b"},
	}
	if !CheckDuplicateProofs(withDups) {
		t.Error("expected duplicates to be detected")
	}
}

func TestGenerateQuoteId(t *testing.T) {
	a := GenerateQuoteId()
	b := GenerateQuoteId()
	if a == b {
		t.Error("expected distinct quote ids")
	}
	if len(a) != 36 {
		t.Errorf("expected a uuid-shaped id, got %q", a)
	}
}

func TestCount(t *testing.T) {
	amounts := []uint64{1, 2, 2, 4, 2}
	if c := Count(amounts, 2); c != 3 {
		t.Errorf("expected count 3, got %v", c)
	}
	if c := Count(amounts, 8); c != 0 {
		t.Errorf("expected count 0, got %v", c)
	}
}
