package cells

import (
	"errors"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	cases := []struct {
		row     int
		col     int
		address string
	}{
		{row: 1, col: 1, address: "A1"},
		{row: 10, col: 26, address: "Z10"},
		{row: 3, col: 27, address: "AA3"},
		{row: 7, col: 52, address: "AZ7"},
		{row: MaxRow, col: MaxCol, address: "XFD1048576"},
	}
	for _, testCase := range cases {
		address, err := Address(testCase.row, testCase.col)
		if err != nil {
			t.Fatalf("unexpected address error: %v", err)
		}
		if address != testCase.address {
			t.Fatalf("expected %s, got %s", testCase.address, address)
		}
		row, col, err := ParseAddress(testCase.address)
		if err != nil {
			t.Fatalf("unexpected parse error for %s: %v", testCase.address, err)
		}
		if row != testCase.row || col != testCase.col {
			t.Fatalf("expected (%d,%d) for %s, got (%d,%d)", testCase.row, testCase.col, testCase.address, row, col)
		}
	}
}

func TestParseAddressRejectsMalformedReferences(t *testing.T) {
	for _, reference := range []string{"", "A", "12", "A0", "1A", "A1B", "XFE1"} {
		if _, _, err := ParseAddress(reference); !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("expected invalid address error for %q, got %v", reference, err)
		}
	}
	row, col, err := ParseAddress(" $b$2 ")
	if err != nil {
		t.Fatalf("expected absolute reference to parse: %v", err)
	}
	if row != 2 || col != 2 {
		t.Fatalf("expected (2,2), got (%d,%d)", row, col)
	}
}

func TestNewKeyValidatesCoordinate(t *testing.T) {
	if _, err := NewKey("sheet-1", 0, 1); !errors.Is(err, ErrInvalidCoordinate) {
		t.Fatalf("expected coordinate error, got %v", err)
	}
	if _, err := NewKey(" ", 1, 1); !errors.Is(err, ErrInvalidCoordinate) {
		t.Fatalf("expected worksheet error, got %v", err)
	}
	key, err := NewKey("sheet-1", 4, 3)
	if err != nil {
		t.Fatalf("unexpected key error: %v", err)
	}
	if key.Address() != "C4" {
		t.Fatalf("expected C4, got %s", key.Address())
	}
}

func TestClassify(t *testing.T) {
	formula := "=B1+2"
	prior := &State{Value: "5"}

	if _, changed := Classify(nil, State{}); changed {
		t.Fatalf("empty write to an unoccupied cell must not be a change")
	}
	if changeType, _ := Classify(nil, State{Value: "1"}); changeType != ChangeAdded {
		t.Fatalf("expected added, got %s", changeType)
	}
	if changeType, _ := Classify(prior, State{}); changeType != ChangeDeleted {
		t.Fatalf("expected deleted, got %s", changeType)
	}
	if changeType, _ := Classify(prior, State{Value: "5", Formula: &formula}); changeType != ChangeModified {
		t.Fatalf("expected modified, got %s", changeType)
	}
	if _, changed := Classify(prior, State{Value: "5", Style: []byte(`{"bold":true}`)}); changed {
		t.Fatalf("style-only edits are not content changes")
	}
}

func TestDescribePrecedence(t *testing.T) {
	formula := "=B1+2"
	otherFormula := "=B1*2"
	cases := []struct {
		name     string
		change   Change
		expected string
	}{
		{
			name:     "added",
			change:   Change{Type: ChangeAdded, Address: "B1", NewValue: "3", NewFormula: &formula},
			expected: `Added value "3" to cell B1`,
		},
		{
			name:     "deleted",
			change:   Change{Type: ChangeDeleted, Address: "C2", OldValue: "x", OldFormula: &formula},
			expected: "Deleted value from cell C2",
		},
		{
			name:     "formula set",
			change:   Change{Type: ChangeModified, Address: "A1", OldValue: "5", NewValue: "5", NewFormula: &formula},
			expected: "Updated formula in A1 to =B1+2",
		},
		{
			name:     "formula wins over value",
			change:   Change{Type: ChangeModified, Address: "A1", OldValue: "5", NewValue: "6", OldFormula: &formula, NewFormula: &otherFormula},
			expected: "Updated formula in A1 to =B1*2",
		},
		{
			name:     "formula removed",
			change:   Change{Type: ChangeModified, Address: "A1", OldValue: "5", NewValue: "7", OldFormula: &formula},
			expected: `Removed formula from A1, value is now "7"`,
		},
		{
			name:     "value changed",
			change:   Change{Type: ChangeModified, Address: "D4", OldValue: "old", NewValue: "new"},
			expected: `Changed D4 from "old" to "new"`,
		},
		{
			name:     "fallback",
			change:   Change{Type: ChangeModified, Address: "E5", OldValue: "same", NewValue: "same"},
			expected: "Updated cell E5",
		},
	}
	for _, testCase := range cases {
		if described := Describe(testCase.change); described != testCase.expected {
			t.Fatalf("%s: expected %q, got %q", testCase.name, testCase.expected, described)
		}
	}
}

func TestSameStateNormalizesStyle(t *testing.T) {
	left := State{Value: "1", Style: []byte("null")}
	right := State{Value: "1"}
	if !SameState(left, right) {
		t.Fatalf("expected null and missing styles to compare equal")
	}
	if SameState(State{Value: "1", Style: []byte(`{"bold":true}`)}, right) {
		t.Fatalf("expected differing styles to compare unequal")
	}
}
