package cells

import "fmt"

// ChangeType classifies a cell difference between two states.
type ChangeType string

const (
	// ChangeAdded marks a cell that did not exist on the base side.
	ChangeAdded ChangeType = "added"
	// ChangeModified marks a cell whose value or formula differs.
	ChangeModified ChangeType = "modified"
	// ChangeDeleted marks a cell that no longer exists on the head side.
	ChangeDeleted ChangeType = "deleted"
)

// Change is the minimal shape needed to describe a cell difference.
type Change struct {
	Type       ChangeType
	Address    string
	OldValue   string
	NewValue   string
	OldFormula *string
	NewFormula *string
}

// Classify compares a prior state (nil when the cell was unoccupied) with the next one.
// The boolean is false when the pair is not a content change.
func Classify(prior *State, next State) (ChangeType, bool) {
	switch {
	case prior == nil && next.Empty():
		return "", false
	case prior == nil:
		return ChangeAdded, true
	case next.Empty():
		return ChangeDeleted, true
	case SameContent(*prior, next):
		return "", false
	default:
		return ChangeModified, true
	}
}

// Describe renders the human readable summary of a change. The rules are evaluated
// in order and the first match wins; history views depend on the exact wording.
func Describe(change Change) string {
	oldFormula := FormulaText(change.OldFormula)
	newFormula := FormulaText(change.NewFormula)
	switch {
	case change.Type == ChangeAdded:
		return fmt.Sprintf("Added value \"%s\" to cell %s", change.NewValue, change.Address)
	case change.Type == ChangeDeleted:
		return fmt.Sprintf("Deleted value from cell %s", change.Address)
	case oldFormula != newFormula && newFormula != "":
		return fmt.Sprintf("Updated formula in %s to %s", change.Address, newFormula)
	case oldFormula != newFormula:
		return fmt.Sprintf("Removed formula from %s, value is now \"%s\"", change.Address, change.NewValue)
	case change.OldValue != change.NewValue:
		return fmt.Sprintf("Changed %s from \"%s\" to \"%s\"", change.Address, change.OldValue, change.NewValue)
	default:
		return fmt.Sprintf("Updated cell %s", change.Address)
	}
}
