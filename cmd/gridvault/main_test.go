package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const budgetDocument = `
worksheets:
  - name: Sheet1
    cells:
      - address: A1
        value: 10
      - address: B1
        value: 20
`

func runCommand(t *testing.T, args ...string) string {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "absent.env")))
	if err := root.Execute(); err != nil {
		t.Fatalf("gridvault %s failed: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func TestImportThenLogAndDiff(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GRIDVAULT_SESSION_SIGNING_SECRET", "cli-secret")
	t.Setenv("GRIDVAULT_DATABASE_PATH", filepath.Join(dir, "cli.db"))
	t.Setenv("GRIDVAULT_LOG_LEVEL", "error")

	documentPath := filepath.Join(dir, "Budget.yaml")
	if err := os.WriteFile(documentPath, []byte(budgetDocument), 0o600); err != nil {
		t.Fatalf("write document: %v", err)
	}

	imported := runCommand(t, "import", documentPath, "--author", "user-alice")
	lines := strings.Split(strings.TrimSpace(imported), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "workbook ") {
		t.Fatalf("unexpected import output %q", imported)
	}
	if !strings.Contains(lines[1], "(2 cells in 1 worksheets)") {
		t.Fatalf("unexpected import summary %q", lines[1])
	}
	workbookID := strings.TrimPrefix(lines[0], "workbook ")

	logged := runCommand(t, "log", workbookID, "--changes")
	if !strings.Contains(logged, "Initial import of Budget") || !strings.Contains(logged, `Added value "10" to cell A1`) {
		t.Fatalf("unexpected log output %q", logged)
	}

	diffed := runCommand(t, "diff", workbookID, "--format", "patch")
	if !strings.Contains(diffed, `+Sheet1!A1 "10"`) || !strings.Contains(diffed, `+Sheet1!B1 "20"`) {
		t.Fatalf("unexpected diff output %q", diffed)
	}
}

func TestMintSessionPrintsToken(t *testing.T) {
	t.Setenv("GRIDVAULT_SESSION_SIGNING_SECRET", "cli-secret")
	output := strings.TrimSpace(runCommand(t, "mint-session", "user-alice", "--name", "Alice"))
	if strings.Count(output, ".") != 2 {
		t.Fatalf("expected a compact JWT, got %q", output)
	}
}

func TestRevertToHeadStateFails(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GRIDVAULT_SESSION_SIGNING_SECRET", "cli-secret")
	t.Setenv("GRIDVAULT_DATABASE_PATH", filepath.Join(dir, "cli.db"))
	t.Setenv("GRIDVAULT_LOG_LEVEL", "error")

	documentPath := filepath.Join(dir, "Budget.yaml")
	if err := os.WriteFile(documentPath, []byte(budgetDocument), 0o600); err != nil {
		t.Fatalf("write document: %v", err)
	}
	imported := runCommand(t, "import", documentPath, "--author", "user-alice")
	workbookID := strings.TrimPrefix(strings.SplitN(imported, "\n", 2)[0], "workbook ")

	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"revert", workbookID, "1", "--author", "user-bob", "--env-file", filepath.Join(dir, "absent.env")})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "nothing_to_revert") {
		t.Fatalf("expected nothing_to_revert, got %v", err)
	}
}
