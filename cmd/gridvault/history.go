package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/config"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/history"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/ingest"
	"github.com/MarcoPoloResearchLab/gridvault/backend/internal/versions"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const timestampLayout = "2006-01-02 15:04:05"

func newImportCommand(configViper *viper.Viper) *cobra.Command {
	var authorID, name string
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import a parsed spreadsheet (json or yaml) as a new workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(configViper)
			if err != nil {
				return err
			}
			defer app.Close()

			path := args[0]
			file, err := os.Open(path)
			if err != nil {
				return err
			}
			defer file.Close()

			document, err := ingest.Decode(file, ingest.DetectFormat("", path))
			if err != nil {
				return err
			}
			if strings.TrimSpace(name) != "" {
				document.Name = name
			}
			fallback := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			request, err := document.ImportRequest(authorID, fallback)
			if err != nil {
				return err
			}
			result, err := app.store.ImportWorkbook(cmd.Context(), request)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "workbook %s\ncommit %s (%d cells in %d worksheets)\n",
				result.Workbook.ID, result.Commit.ShortRef(), result.CellCount, len(result.Worksheets))
			return nil
		},
	}
	cmd.Flags().StringVar(&authorID, "author", "", "Author id recorded on the bootstrap commit")
	cmd.Flags().StringVar(&name, "name", "", "Workbook name (defaults to the document name or file name)")
	_ = cmd.MarkFlagRequired("author")
	return cmd
}

func newLogCommand(configViper *viper.Viper) *cobra.Command {
	var withChanges bool
	cmd := &cobra.Command{
		Use:   "log WORKBOOK",
		Short: "List the commit history of a workbook, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(configViper)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			commits, err := app.store.ListCommits(ctx, args[0])
			if err != nil {
				return err
			}
			ids := make([]string, 0, len(commits))
			for _, commit := range commits {
				ids = append(ids, commit.AuthorID)
			}
			names, err := app.authors.DisplayNames(ctx, ids)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, commit := range commits {
				fmt.Fprintf(writer, "%s\t#%d\t%s\t%s\t%s\n",
					commit.ShortRef(), commit.ID, commit.CreatedAt.UTC().Format(timestampLayout), names[commit.AuthorID], commit.Message)
				if !withChanges {
					continue
				}
				changes, err := app.store.GetCommitChanges(ctx, args[0], commit.ID)
				if err != nil {
					return err
				}
				for _, change := range changes {
					fmt.Fprintf(writer, "\t\t\t\t  %s\n", change.Description)
				}
			}
			return writer.Flush()
		},
	}
	cmd.Flags().BoolVar(&withChanges, "changes", false, "Print the change descriptions of every commit")
	return cmd
}

func newDiffCommand(configViper *viper.Viper) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "diff WORKBOOK [BASE] [HEAD]",
		Short: "Compare two commits; BASE defaults to the empty workbook and HEAD to the current head",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(configViper)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			workbookID := args[0]
			var head versions.Commit
			if len(args) == 3 {
				head, err = resolveCommit(ctx, app.store, workbookID, args[2])
			} else {
				head, err = app.store.Head(ctx, workbookID)
			}
			if err != nil {
				return err
			}
			var (
				baseID    *int64
				baseLabel = "empty"
			)
			if len(args) >= 2 {
				base, err := resolveCommit(ctx, app.store, workbookID, args[1])
				if err != nil {
					return err
				}
				baseID = &base.ID
				baseLabel = base.ShortRef()
			}

			diffs, err := app.engine.CompareCommits(ctx, workbookID, baseID, head.ID)
			if err != nil {
				return err
			}
			return writeDiffs(cmd.OutOrStdout(), format, diffs, baseLabel, head.ShortRef())
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "Output format: text, json or patch")
	return cmd
}

func writeDiffs(out io.Writer, format string, diffs []history.CellDiff, baseLabel, headLabel string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		if diffs == nil {
			diffs = []history.CellDiff{}
		}
		return encoder.Encode(diffs)
	case "patch":
		patch, err := history.RenderPatch(diffs, baseLabel, headLabel)
		if err != nil {
			return err
		}
		_, err = io.WriteString(out, patch)
		return err
	case "text":
		for _, diff := range diffs {
			reference := diff.Address
			if diff.WorksheetName != "" {
				reference = diff.WorksheetName + "!" + diff.Address
			}
			if _, err := fmt.Fprintf(out, "%-9s %-12s %s\n", diff.ChangeType, reference, diff.Description); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func newRevertCommand(configViper *viper.Viper) *cobra.Command {
	var authorID string
	cmd := &cobra.Command{
		Use:   "revert WORKBOOK TARGET",
		Short: "Record a new commit restoring the workbook to TARGET",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApplication(configViper)
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			target, err := resolveCommit(ctx, app.store, args[0], args[1])
			if err != nil {
				return err
			}
			commit, err := app.coordinator.Revert(ctx, args[0], target.ID, authorID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "commit %s #%d %s\n", commit.ShortRef(), commit.ID, commit.Message)
			return nil
		},
	}
	cmd.Flags().StringVar(&authorID, "author", "", "Author id recorded on the revert commit")
	_ = cmd.MarkFlagRequired("author")
	return cmd
}

func newMintSessionCommand(configViper *viper.Viper) *cobra.Command {
	var email, displayName string
	cmd := &cobra.Command{
		Use:   "mint-session USER_ID",
		Short: "Print a signed session token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(configViper)
			if err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.SessionSecret),
				Issuer:        appConfig.SessionIssuer,
				TTL:           appConfig.SessionTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(auth.SessionIdentity{UserID: args[0], Email: email, DisplayName: displayName})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.Format(timestampLayout))
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().StringVar(&displayName, "name", "", "Display name claim")
	return cmd
}

// resolveCommit accepts a numeric commit id or a ref prefix.
func resolveCommit(ctx context.Context, store *versions.Service, workbookID, raw string) (versions.Commit, error) {
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
		commit, err := store.GetCommit(ctx, workbookID, id)
		if err == nil || !errors.Is(err, versions.ErrNotFound) {
			return commit, err
		}
	}
	return store.GetCommitByRef(ctx, workbookID, raw)
}
