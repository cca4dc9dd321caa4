package reconcile

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/hitoshi/idreconcile/internal/model"
)

// ScanEntry はテナント一括診断の1メールアドレス分の結果。
type ScanEntry struct {
	Email      string
	Divergence Divergence
}

// Scan はテナントの全ユーザー行と全AuthIdentityを突き合わせ、メールアドレスごとに分類する。
// AuthIdentityはテナントのユーザー行とメールアドレスが一致するもの、
// またはメタデータのtenant_idがテナントと一致するものだけを対象とする。
func (d *Dispatcher) Scan(ctx context.Context, tenant string) ([]ScanEntry, error) {
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		return nil, model.NewInvalidInputError("tenant is required")
	}

	usersCtx, cancel := d.withTimeout(ctx)
	users, err := d.users.ListByTenant(usersCtx, tenant)
	cancel()
	if err != nil {
		return nil, model.NewFetchFailureError("user store", err)
	}

	authCtx, cancel := d.withTimeout(ctx)
	identities, err := d.auth.List(authCtx)
	cancel()
	if err != nil {
		return nil, model.NewFetchFailureError("auth provider", err)
	}

	snaps := make(map[string]*Snapshot)
	snapshot := func(email string) *Snapshot {
		s, ok := snaps[email]
		if !ok {
			s = &Snapshot{Tenant: tenant, Email: email}
			snaps[email] = s
		}
		return s
	}

	for _, u := range inTenant(users, tenant) {
		if _, original, ok := model.ParsePlaceholderEmail(u.Email); ok {
			s := snapshot(model.EmailKey(original))
			s.Pending = append(s.Pending, u)
			continue
		}
		s := snapshot(model.EmailKey(u.Email))
		s.Apps = append(s.Apps, u)
	}

	for _, a := range identities {
		s, ok := snaps[a.Email]
		if !ok && a.TenantID() == tenant {
			s, ok = snapshot(a.Email), true
		}
		if ok {
			s.Auth = a
		}
	}

	entries := make([]ScanEntry, 0, len(snaps))
	for email, s := range snaps {
		div := Classify(s)
		d.recorder.RecordClassification(string(div.Kind))
		entries = append(entries, ScanEntry{Email: email, Divergence: div})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Email < entries[j].Email })

	d.logger.Info("テナントを診断しました",
		slog.String("tenant_id", tenant),
		slog.Int("users", len(users)),
		slog.Int("auth_identities", len(identities)),
		slog.Int("emails", len(entries)),
	)
	return entries, nil
}
