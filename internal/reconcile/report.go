package reconcile

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/hitoshi/idreconcile/internal/model"
)

// WriteReport はオペレーター向けの実行結果を書き出す。
func WriteReport(w io.Writer, out *Outcome, runErr error) {
	if out == nil {
		out = &Outcome{}
	}
	if out.RunID != "" {
		fmt.Fprintf(w, "run:            %s\n", out.RunID)
	}
	if out.Tenant != "" {
		fmt.Fprintf(w, "tenant:         %s\n", out.Tenant)
		fmt.Fprintf(w, "email:          %s\n", out.Email)
	}

	div := out.Divergence
	if div.Kind != "" {
		fmt.Fprintf(w, "classification: %s\n", div.Kind)
		writeDivergence(w, div)
	}

	if len(out.Steps) > 0 {
		if out.DryRun {
			fmt.Fprintln(w, "planned steps (dry run, nothing written):")
		} else {
			fmt.Fprintln(w, "steps:")
		}
		for i, s := range out.Steps {
			fmt.Fprintf(w, "  %d. %-21s %-8s %s\n", i+1, s.Name, s.Status, s.Detail)
		}
	}

	if out.CreatedApp != nil && out.CreatedApp.Role != "" {
		fmt.Fprintf(w, "created user:   %s role=%s active=%t\n", out.CreatedApp.ID, out.CreatedApp.Role, out.CreatedApp.IsActive)
	}
	if out.CreatedAuth != nil {
		fmt.Fprintf(w, "created auth:   %s\n", out.CreatedAuth.ExternalID)
	}
	if out.GeneratedPassword != "" {
		fmt.Fprintf(w, "temporary password (shown once): %s\n", out.GeneratedPassword)
	}

	var re *model.ReconcileError
	switch {
	case errors.As(runErr, &re):
		fmt.Fprintf(w, "result:         %s\n", re.Error())
		fmt.Fprintf(w, "action:         %s\n", re.Action)
	case runErr != nil:
		fmt.Fprintf(w, "result:         error: %v\n", runErr)
	case div.Kind == KindConsistent:
		fmt.Fprintln(w, "result:         healthy, nothing to do")
	case out.DryRun:
		fmt.Fprintln(w, "result:         dry run complete")
	default:
		fmt.Fprintln(w, "result:         repaired")
	}
}

func writeDivergence(w io.Writer, div Divergence) {
	if div.Auth != nil {
		fmt.Fprintf(w, "auth identity:  %s confirmed=%t\n", div.Auth.ExternalID, div.Auth.Confirmed)
	} else {
		fmt.Fprintln(w, "auth identity:  (none)")
	}
	switch {
	case len(div.Duplicates) > 0:
		fmt.Fprintln(w, "user rows:")
		for _, u := range div.Duplicates {
			fmt.Fprintf(w, "  - %s email=%s role=%s active=%t created=%s\n",
				u.ID, u.Email, u.Role, u.IsActive, u.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
		}
	case div.App != nil:
		fmt.Fprintf(w, "user row:       %s email=%s role=%s active=%t\n", div.App.ID, div.App.Email, div.App.Role, div.App.IsActive)
	default:
		fmt.Fprintln(w, "user row:       (none)")
	}
	if div.Resuming() {
		fmt.Fprintln(w, "note:           an interrupted id repair was found; repair resumes it")
	}
}

// WriteScan はテナント一括診断の結果を表形式で書き出す。
func WriteScan(w io.Writer, tenant string, entries []ScanEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "EMAIL\tCLASSIFICATION\tAUTH ID\tUSER IDS\n")
	counts := make(map[Kind]int)
	for _, e := range entries {
		authID := "-"
		if e.Divergence.Auth != nil {
			authID = e.Divergence.Auth.ExternalID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Email, e.Divergence.Kind, authID, strings.Join(rowIDs(e.Divergence), ","))
		counts[e.Divergence.Kind]++
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("failed to write scan report: %w", err)
	}

	fmt.Fprintf(w, "\ntenant %s: %d emails", tenant, len(entries))
	for _, k := range Kinds() {
		if counts[k] > 0 {
			fmt.Fprintf(w, ", %s=%d", k, counts[k])
		}
	}
	fmt.Fprintln(w)
	return nil
}

// rowIDs は分類に関係するユーザー行のIDを返す。
func rowIDs(div Divergence) []string {
	var users []*model.AppUser
	switch {
	case len(div.Duplicates) > 0:
		users = div.Duplicates
	case div.App != nil:
		users = []*model.AppUser{div.App}
	}
	ids := userIDs(users)
	if len(ids) == 0 {
		return []string{"-"}
	}
	return ids
}
