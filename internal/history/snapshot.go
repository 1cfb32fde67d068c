package history

import (
	"sort"

	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/cells"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/versions"
)

type entry struct {
	address string
	state   cells.State
}

// Snapshot is the immutable state of a workbook as of one commit.
type Snapshot struct {
	workbookID string
	commit     versions.Commit
	cells      map[cells.Key]entry
}

// WorkbookID returns the owning workbook.
func (s Snapshot) WorkbookID() string {
	return s.workbookID
}

// Commit returns the commit the snapshot was reconstructed for.
func (s Snapshot) Commit() versions.Commit {
	return s.commit
}

// Len returns the number of occupied cells.
func (s Snapshot) Len() int {
	return len(s.cells)
}

// Cell returns the state of one cell.
func (s Snapshot) Cell(key cells.Key) (cells.State, bool) {
	found, ok := s.cells[key]
	if !ok {
		return cells.State{}, false
	}
	return found.state, true
}

// Keys returns the occupied coordinates in worksheet, row, column order.
func (s Snapshot) Keys() []cells.Key {
	keys := make([]cells.Key, 0, len(s.cells))
	for key := range s.cells {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Less(keys[j])
	})
	return keys
}
