package reconcile

import "github.com/hitoshi/idreconcile/internal/model"

// Kind は不一致の分類。
type Kind string

const (
	KindConsistent   Kind = "Consistent"
	KindIDMismatch   Kind = "IdMismatch"
	KindAuthOnly     Kind = "AuthOnly"
	KindAppOnly      Kind = "AppOnly"
	KindAbsent       Kind = "Absent"
	KindDuplicateApp Kind = "DuplicateApp"
)

// Kinds は全分類を返す。
func Kinds() []Kind {
	return []Kind{KindConsistent, KindIDMismatch, KindAuthOnly, KindAppOnly, KindAbsent, KindDuplicateApp}
}

// Divergence は分類結果。
// IdMismatchではAppが付け替え元の行（再開時は退避中の行）を指す。
type Divergence struct {
	Kind       Kind
	Auth       *model.AuthIdentity
	App        *model.AppUser
	Duplicates []*model.AppUser
	Pending    []*model.AppUser
}

// Resuming は中断したID付け替えの再開かどうかを返す。
func (d Divergence) Resuming() bool {
	return d.Kind == KindIDMismatch && len(d.Pending) > 0
}

// Classify はスナップショットを分類する。副作用はない。
//
// 重複は最初に判定する。AuthIdentityが存在し退避中の行がある場合は、
// 中断したIdMismatch修復の再開として扱う。AuthIdentityがない場合の退避中の行は分類に使わない。
func Classify(s *Snapshot) Divergence {
	if len(s.Apps) > 1 {
		return Divergence{Kind: KindDuplicateApp, Auth: s.Auth, Duplicates: s.Apps, Pending: s.Pending}
	}

	var app *model.AppUser
	if len(s.Apps) == 1 {
		app = s.Apps[0]
	}

	if s.Auth == nil {
		if app != nil {
			return Divergence{Kind: KindAppOnly, App: app, Pending: s.Pending}
		}
		return Divergence{Kind: KindAbsent, Pending: s.Pending}
	}

	if len(s.Pending) > 0 {
		// 退避中の行が複数ある、または新IDと異なる行が元のメールアドレスを持っている場合は再開できない
		if len(s.Pending) > 1 || (app != nil && app.ID != s.Auth.ExternalID) {
			dups := append(append([]*model.AppUser{}, s.Apps...), s.Pending...)
			return Divergence{Kind: KindDuplicateApp, Auth: s.Auth, Duplicates: dups, Pending: s.Pending}
		}
		return Divergence{Kind: KindIDMismatch, Auth: s.Auth, App: s.Pending[0], Pending: s.Pending}
	}

	switch {
	case app == nil:
		return Divergence{Kind: KindAuthOnly, Auth: s.Auth}
	case app.ID == s.Auth.ExternalID:
		return Divergence{Kind: KindConsistent, Auth: s.Auth, App: app}
	default:
		return Divergence{Kind: KindIDMismatch, Auth: s.Auth, App: app}
	}
}
