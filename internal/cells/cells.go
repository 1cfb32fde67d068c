package cells

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

const (
	// MaxRow is the largest addressable 1-based row.
	MaxRow = 1048576
	// MaxCol is the largest addressable 1-based column (XFD).
	MaxCol = 16384
)

var (
	// ErrInvalidCoordinate indicates a row or column outside the addressable grid.
	ErrInvalidCoordinate = errors.New("cells: invalid coordinate")
	// ErrInvalidAddress indicates an A1 reference that cannot be parsed.
	ErrInvalidAddress = errors.New("cells: invalid address")
)

// Key identifies one cell of a workbook. It is comparable and used as a map key
// when joining cell states from different commits.
type Key struct {
	WorksheetID string
	Row         int
	Col         int
}

// NewKey validates the coordinate and returns a Key.
func NewKey(worksheetID string, row, col int) (Key, error) {
	if strings.TrimSpace(worksheetID) == "" {
		return Key{}, fmt.Errorf("%w: empty worksheet id", ErrInvalidCoordinate)
	}
	if err := ValidateCoordinate(row, col); err != nil {
		return Key{}, err
	}
	return Key{WorksheetID: worksheetID, Row: row, Col: col}, nil
}

// Less orders keys by worksheet, row, then column.
func (k Key) Less(other Key) bool {
	if k.WorksheetID != other.WorksheetID {
		return k.WorksheetID < other.WorksheetID
	}
	if k.Row != other.Row {
		return k.Row < other.Row
	}
	return k.Col < other.Col
}

// Address renders the key in A1 notation.
func (k Key) Address() string {
	address, err := Address(k.Row, k.Col)
	if err != nil {
		return fmt.Sprintf("R%dC%d", k.Row, k.Col)
	}
	return address
}

// ValidateCoordinate checks that row and col fall inside the grid.
func ValidateCoordinate(row, col int) error {
	if row < 1 || row > MaxRow {
		return fmt.Errorf("%w: row %d", ErrInvalidCoordinate, row)
	}
	if col < 1 || col > MaxCol {
		return fmt.Errorf("%w: col %d", ErrInvalidCoordinate, col)
	}
	return nil
}

// ColumnName converts a 1-based column index into letters (1 -> A, 27 -> AA).
func ColumnName(col int) (string, error) {
	if col < 1 || col > MaxCol {
		return "", fmt.Errorf("%w: col %d", ErrInvalidCoordinate, col)
	}
	var letters []byte
	for col > 0 {
		col--
		letters = append([]byte{byte('A' + col%26)}, letters...)
		col /= 26
	}
	return string(letters), nil
}

// Address renders a 1-based coordinate in A1 notation.
func Address(row, col int) (string, error) {
	if err := ValidateCoordinate(row, col); err != nil {
		return "", err
	}
	name, err := ColumnName(col)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%d", name, row), nil
}

// ParseAddress parses an A1 reference (absolute markers are accepted) into row and col.
func ParseAddress(reference string) (int, int, error) {
	trimmed := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(reference), "$", ""))
	if trimmed == "" {
		return 0, 0, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	index := 0
	col := 0
	for index < len(trimmed) && trimmed[index] >= 'A' && trimmed[index] <= 'Z' {
		col = col*26 + int(trimmed[index]-'A') + 1
		if col > MaxCol {
			return 0, 0, fmt.Errorf("%w: %s", ErrInvalidAddress, reference)
		}
		index++
	}
	if index == 0 || index == len(trimmed) {
		return 0, 0, fmt.Errorf("%w: %s", ErrInvalidAddress, reference)
	}
	row := 0
	for _, digit := range trimmed[index:] {
		if digit < '0' || digit > '9' {
			return 0, 0, fmt.Errorf("%w: %s", ErrInvalidAddress, reference)
		}
		row = row*10 + int(digit-'0')
		if row > MaxRow {
			return 0, 0, fmt.Errorf("%w: %s", ErrInvalidAddress, reference)
		}
	}
	if err := ValidateCoordinate(row, col); err != nil {
		return 0, 0, fmt.Errorf("%w: %s", ErrInvalidAddress, reference)
	}
	return row, col, nil
}

// State is the content of one cell at a point in history.
type State struct {
	Value   string
	Formula *string
	Style   []byte
}

// Empty reports whether the state carries neither a value nor a formula.
func (s State) Empty() bool {
	return s.Value == "" && FormulaText(s.Formula) == ""
}

// SameContent compares value and formula, the fields history diffs are built on.
func SameContent(left, right State) bool {
	return left.Value == right.Value && FormulaText(left.Formula) == FormulaText(right.Formula)
}

// SameState compares content and style.
func SameState(left, right State) bool {
	return SameContent(left, right) && bytes.Equal(normalizeStyle(left.Style), normalizeStyle(right.Style))
}

// FormulaText dereferences a nullable formula.
func FormulaText(formula *string) string {
	if formula == nil {
		return ""
	}
	return *formula
}

// NormalizeFormula trims the formula and maps blanks to nil.
func NormalizeFormula(formula *string) *string {
	if formula == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*formula)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func normalizeStyle(style []byte) []byte {
	trimmed := bytes.TrimSpace(style)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return trimmed
}
