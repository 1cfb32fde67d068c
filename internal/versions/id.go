package versions

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const commitRefSuffix = "gridvault-commit"

// IDProvider issues identifiers for workbooks, worksheets and conflicts.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// newCommitRef derives the opaque commit reference. It is unique per call but is
// not a content hash: identical cell states yield unrelated references.
func newCommitRef(workbookID, authorID string, createdAt time.Time, nonce string) string {
	digest := sha1.New()
	fmt.Fprintf(digest, "%s|%s|%d|%s|%s", workbookID, authorID, createdAt.UnixNano(), nonce, commitRefSuffix)
	return hex.EncodeToString(digest.Sum(nil))
}

func normalizeRef(raw string) (string, bool) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if len(trimmed) < 4 || len(trimmed) > 40 {
		return "", false
	}
	if _, err := hex.DecodeString(padEven(trimmed)); err != nil {
		return "", false
	}
	return trimmed, true
}

func padEven(value string) string {
	if len(value)%2 == 1 {
		return value + "0"
	}
	return value
}
