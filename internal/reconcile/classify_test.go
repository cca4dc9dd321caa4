package reconcile

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/hitoshi/idreconcile/internal/model"
)

func TestClassify(t *testing.T) {
	auth1 := &model.AuthIdentity{ExternalID: "AUTH-1", Email: "a@acme.com"}
	rowAuth1 := &model.AppUser{ID: "AUTH-1", TenantID: "acme", Email: "a@acme.com"}
	rowOld5 := &model.AppUser{ID: "OLD-5", TenantID: "acme", Email: "a@acme.com"}
	rowUpper := &model.AppUser{ID: "OLD-6", TenantID: "acme", Email: "A@acme.com"}
	pendingOld5 := &model.AppUser{ID: "OLD-5", TenantID: "acme", Email: model.PlaceholderEmail("OLD-5", "a@acme.com")}
	pendingOld6 := &model.AppUser{ID: "OLD-6", TenantID: "acme", Email: model.PlaceholderEmail("OLD-6", "a@acme.com")}

	tests := []struct {
		name     string
		snap     Snapshot
		wantKind Kind
		wantApp  string
		wantDups []string
	}{
		{"両方あり・ID一致", Snapshot{Auth: auth1, Apps: []*model.AppUser{rowAuth1}}, KindConsistent, "AUTH-1", nil},
		{"両方あり・ID不一致", Snapshot{Auth: auth1, Apps: []*model.AppUser{rowOld5}}, KindIDMismatch, "OLD-5", nil},
		{"認証のみ", Snapshot{Auth: auth1}, KindAuthOnly, "", nil},
		{"アプリのみ", Snapshot{Apps: []*model.AppUser{rowOld5}}, KindAppOnly, "OLD-5", nil},
		{"どちらもなし", Snapshot{}, KindAbsent, "", nil},
		{"重複あり", Snapshot{Auth: auth1, Apps: []*model.AppUser{rowAuth1, rowUpper}}, KindDuplicateApp, "", []string{"AUTH-1", "OLD-6"}},
		{"重複は認証なしでも優先", Snapshot{Apps: []*model.AppUser{rowOld5, rowUpper}}, KindDuplicateApp, "", []string{"OLD-5", "OLD-6"}},
		{"退避のみで再開", Snapshot{Auth: auth1, Pending: []*model.AppUser{pendingOld5}}, KindIDMismatch, "OLD-5", nil},
		{"新行作成後の再開", Snapshot{Auth: auth1, Apps: []*model.AppUser{rowAuth1}, Pending: []*model.AppUser{pendingOld5}}, KindIDMismatch, "OLD-5", nil},
		{"退避中と別IDの行", Snapshot{Auth: auth1, Apps: []*model.AppUser{rowUpper}, Pending: []*model.AppUser{pendingOld5}}, KindDuplicateApp, "", []string{"OLD-6", "OLD-5"}},
		{"退避中が複数", Snapshot{Auth: auth1, Pending: []*model.AppUser{pendingOld5, pendingOld6}}, KindDuplicateApp, "", []string{"OLD-5", "OLD-6"}},
		{"認証なしの退避中は無視", Snapshot{Pending: []*model.AppUser{pendingOld5}}, KindAbsent, "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(&tt.snap)
			if got.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", got.Kind, tt.wantKind)
			}
			gotApp := ""
			if got.App != nil {
				gotApp = got.App.ID
			}
			if gotApp != tt.wantApp {
				t.Errorf("App = %q, want %q", gotApp, tt.wantApp)
			}
			if tt.wantDups != nil {
				if diff := cmp.Diff(tt.wantDups, userIDs(got.Duplicates)); diff != "" {
					t.Errorf("Duplicates mismatch (-want +got):\n%s", diff)
				}
			}
		})
	}
}

// TestClassify_Deterministic は同じ入力に同じ結果を返し、入力を変更しないことを検証する。
func TestClassify_Deterministic(t *testing.T) {
	snap := &Snapshot{
		Auth: &model.AuthIdentity{ExternalID: "AUTH-1", Email: "a@acme.com"},
		Apps: []*model.AppUser{{ID: "OLD-5", TenantID: "acme", Email: "a@acme.com"}},
	}
	before := *snap.Apps[0]

	first := Classify(snap)
	second := Classify(snap)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Classify is not deterministic (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(before, *snap.Apps[0]); diff != "" {
		t.Errorf("Classify mutated input (-before +after):\n%s", diff)
	}
}

func TestDivergence_Resuming(t *testing.T) {
	pending := []*model.AppUser{{ID: "OLD-5"}}
	if !(Divergence{Kind: KindIDMismatch, Pending: pending}).Resuming() {
		t.Error("IdMismatch with pending should be resuming")
	}
	if (Divergence{Kind: KindIDMismatch}).Resuming() {
		t.Error("IdMismatch without pending should not be resuming")
	}
	if (Divergence{Kind: KindAbsent, Pending: pending}).Resuming() {
		t.Error("Absent should never be resuming")
	}
}
