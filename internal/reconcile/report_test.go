package reconcile

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/hitoshi/idreconcile/internal/model"
)

func TestWriteReport(t *testing.T) {
	tests := []struct {
		name string
		out  *Outcome
		err  error
		want []string
	}{
		{
			name: "整合済み",
			out: &Outcome{
				RunID: "run-1", Tenant: "acme", Email: "a@acme.com",
				Divergence: Divergence{
					Kind: KindConsistent,
					Auth: &model.AuthIdentity{ExternalID: "AUTH-1"},
					App:  &model.AppUser{ID: "AUTH-1", Email: "a@acme.com", Role: model.RoleRegular},
				},
			},
			want: []string{"run:            run-1", "classification: Consistent", "healthy, nothing to do"},
		},
		{
			name: "ドライラン",
			out: &Outcome{
				Tenant: "acme", Email: "a@acme.com", DryRun: true,
				Divergence: Divergence{Kind: KindIDMismatch, Auth: &model.AuthIdentity{ExternalID: "AUTH-1"}, App: &model.AppUser{ID: "OLD-5"}},
				Steps:      []Step{{Name: StepRename, Status: StepPlanned, Detail: "users.OLD-5"}},
			},
			want: []string{"planned steps (dry run, nothing written)", "1. rename", "dry run complete"},
		},
		{
			name: "重複",
			out: &Outcome{
				Tenant: "acme", Email: "a@acme.com",
				Divergence: Divergence{Kind: KindDuplicateApp, Duplicates: []*model.AppUser{{ID: "U-1"}, {ID: "U-2"}}},
			},
			err:  model.NewAmbiguousStateError("acme", "a@acme.com", []string{"U-1", "U-2"}),
			want: []string{"auth identity:  (none)", "- U-1", "- U-2", "AMBIGUOUS_STATE", "action:"},
		},
		{
			name: "生成パスワード",
			out: &Outcome{
				Tenant: "acme", Email: "a@acme.com",
				Divergence:        Divergence{Kind: KindAppOnly, App: &model.AppUser{ID: "APP-3"}},
				Steps:             []Step{{Name: StepCreateAuthIdentity, Status: StepDone}},
				CreatedAuth:       &model.AuthIdentity{ExternalID: "APP-3"},
				GeneratedPassword: "Tmp-Pass-123",
			},
			want: []string{"created auth:   APP-3", "temporary password (shown once): Tmp-Pass-123", "result:         repaired"},
		},
		{
			name: "取得前の失敗",
			out:  nil,
			err:  errors.New("boom"),
			want: []string{"result:         error: boom"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			WriteReport(&buf, tt.out, tt.err)
			for _, s := range tt.want {
				if !strings.Contains(buf.String(), s) {
					t.Errorf("report missing %q:\n%s", s, buf.String())
				}
			}
		})
	}
}
