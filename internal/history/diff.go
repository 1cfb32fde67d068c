package history

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/cells"
	"github.com/pmezard/go-difflib/difflib"
)

// CellDiff is one changed cell between two workbook states.
type CellDiff struct {
	WorksheetID   string           `json:"worksheetId"`
	WorksheetName string           `json:"worksheetName"`
	Row           int              `json:"row"`
	Col           int              `json:"col"`
	Address       string           `json:"address"`
	ChangeType    cells.ChangeType `json:"changeType"`
	OldValue      string           `json:"oldValue"`
	NewValue      string           `json:"newValue"`
	OldFormula    *string          `json:"oldFormula"`
	NewFormula    *string          `json:"newFormula"`
	NewStyle      json.RawMessage  `json:"newStyle,omitempty"`
	Description   string           `json:"description"`
}

// Key returns the composite coordinate of the diffed cell.
func (d CellDiff) Key() cells.Key {
	return cells.Key{WorksheetID: d.WorksheetID, Row: d.Row, Col: d.Col}
}

// Describe renders the human-readable summary of the diff.
func Describe(diff CellDiff) string {
	return cells.Describe(diff.change())
}

func (d CellDiff) change() cells.Change {
	return cells.Change{
		Type:       d.ChangeType,
		Address:    d.Address,
		OldValue:   d.OldValue,
		NewValue:   d.NewValue,
		OldFormula: d.OldFormula,
		NewFormula: d.NewFormula,
	}
}

func newDiff(key cells.Key, sheets sheetIndex, change cells.Change, style []byte) CellDiff {
	diff := CellDiff{
		WorksheetID:   key.WorksheetID,
		WorksheetName: sheets.name(key.WorksheetID),
		Row:           key.Row,
		Col:           key.Col,
		Address:       change.Address,
		ChangeType:    change.Type,
		OldValue:      change.OldValue,
		NewValue:      change.NewValue,
		OldFormula:    change.OldFormula,
		NewFormula:    change.NewFormula,
	}
	if len(style) > 0 {
		diff.NewStyle = json.RawMessage(style)
	}
	diff.Description = cells.Describe(change)
	return diff
}

// RenderPatch formats diffs as a unified text patch with one line per cell.
func RenderPatch(diffs []CellDiff, baseLabel, headLabel string) (string, error) {
	if len(diffs) == 0 {
		return "", nil
	}
	before := make([]string, 0, len(diffs))
	after := make([]string, 0, len(diffs))
	for _, diff := range diffs {
		if diff.ChangeType != cells.ChangeAdded {
			before = append(before, patchLine(diff, diff.OldValue, diff.OldFormula))
		}
		if diff.ChangeType != cells.ChangeDeleted {
			after = append(after, patchLine(diff, diff.NewValue, diff.NewFormula))
		}
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        before,
		B:        after,
		FromFile: baseLabel,
		ToFile:   headLabel,
		Context:  0,
	})
}

func patchLine(diff CellDiff, value string, formula *string) string {
	reference := diff.Address
	if diff.WorksheetName != "" {
		reference = diff.WorksheetName + "!" + diff.Address
	}
	var builder strings.Builder
	builder.WriteString(reference)
	if text := cells.FormulaText(formula); text != "" {
		fmt.Fprintf(&builder, " %s", text)
	}
	fmt.Fprintf(&builder, " \"%s\"\n", value)
	return builder.String()
}
