package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/idreconcile/internal/authprovider"
	"github.com/hitoshi/idreconcile/internal/credential"
	"github.com/hitoshi/idreconcile/internal/model"
	"github.com/hitoshi/idreconcile/internal/repository"
)

// 修復手順名
const (
	StepRename             = "rename"
	StepInsert             = "insert"
	StepRepoint            = "repoint"
	StepVerify             = "verify"
	StepDelete             = "delete"
	StepCreateAppUser      = "create_app_user"
	StepCreateAuthIdentity = "create_auth_identity"
	StepRefreshCredential  = "refresh_credential"
	StepUpdatePassword     = "update_password"
)

// 修復結果（メトリクスのラベル値）
const (
	ResultNoop     = "noop"
	ResultRepaired = "repaired"
	ResultPlanned  = "planned"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

// StepStatus は手順の実行状態。
type StepStatus string

const (
	StepDone    StepStatus = "done"
	StepSkipped StepStatus = "skipped"
	StepPlanned StepStatus = "planned"
)

// Step は実行（または予定）した修復手順。
type Step struct {
	Name   string
	Status StepStatus
	Detail string
}

// Options は修復時のオペレーター指定。
type Options struct {
	// Password はAppOnlyでAuthIdentityを作成するときのパスワード。空の場合は生成する。
	Password string
	// DryRun がtrueの場合は書き込みを行わず、予定の手順だけを報告する。
	DryRun bool
}

// Outcome は1回の実行結果。
type Outcome struct {
	RunID      string
	Tenant     string
	Email      string
	Divergence Divergence
	DryRun     bool
	Steps      []Step

	CreatedApp        *model.AppUser
	CreatedAuth       *model.AuthIdentity
	GeneratedPassword string
	Repointed         repository.RepointResult
}

// Changed は書き込みを1つ以上実行したかどうかを返す。
func (o *Outcome) Changed() bool {
	for _, s := range o.Steps {
		if s.Status == StepDone {
			return true
		}
	}
	return false
}

// Recorder は分類・修復結果の記録インターフェース。
type Recorder interface {
	RecordClassification(kind string)
	RecordRepair(kind, result string)
	RecordStepFailure(step string)
	ObserveDuration(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordClassification(string)   {}
func (nopRecorder) RecordRepair(string, string)   {}
func (nopRecorder) RecordStepFailure(string)      {}
func (nopRecorder) ObserveDuration(time.Duration) {}

// Dispatcher は分類に応じた修復を1つだけ適用する。
type Dispatcher struct {
	users    repository.UserRepository
	deps     repository.DependentRepository
	auth     AuthStore
	timeout  time.Duration
	recorder Recorder
	logger   *slog.Logger
}

// NewDispatcher はDispatcherを生成する。recorderがnilの場合は記録しない。
func NewDispatcher(
	users repository.UserRepository,
	deps repository.DependentRepository,
	auth AuthStore,
	timeout time.Duration,
	recorder Recorder,
	logger *slog.Logger,
) *Dispatcher {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Dispatcher{
		users:    users,
		deps:     deps,
		auth:     auth,
		timeout:  timeout,
		recorder: recorder,
		logger:   logger,
	}
}

// run は1回の実行の状態を保持する。
type run struct {
	d      *Dispatcher
	out    *Outcome
	logger *slog.Logger
	dryRun bool
}

func (d *Dispatcher) begin(ctx context.Context, tenant, email string, dryRun bool) (*run, error) {
	out := &Outcome{RunID: uuid.NewString(), DryRun: dryRun}
	logger := d.logger.With(slog.String("run_id", out.RunID))
	r := &run{d: d, out: out, logger: logger, dryRun: dryRun}

	snap, err := NewFetcher(d.users, d.auth, d.timeout, logger).Fetch(ctx, tenant, email)
	if err != nil {
		logger.Error("状態の取得に失敗しました", slog.String("error", err.Error()))
		return r, err
	}

	out.Tenant, out.Email = snap.Tenant, snap.Email
	out.Divergence = Classify(snap)
	d.recorder.RecordClassification(string(out.Divergence.Kind))

	r.logger = logger.With(
		slog.String("tenant_id", snap.Tenant),
		slog.String("email", snap.Email),
		slog.String("classification", string(out.Divergence.Kind)),
	)
	r.logger.Info("分類しました", slog.Bool("dry_run", dryRun))
	return r, nil
}

// Diagnose は(tenant, email)を取得して分類する。書き込みは行わない。
func (d *Dispatcher) Diagnose(ctx context.Context, tenant, email string) (*Outcome, error) {
	r, err := d.begin(ctx, tenant, email, true)
	return r.out, err
}

// Repair は(tenant, email)を分類し、分類に対応する修復を適用する。
func (d *Dispatcher) Repair(ctx context.Context, tenant, email string, opts Options) (*Outcome, error) {
	start := time.Now()
	defer func() { d.recorder.ObserveDuration(time.Since(start)) }()

	r, err := d.begin(ctx, tenant, email, opts.DryRun)
	if err != nil {
		d.recorder.RecordRepair("unknown", resultOf(r.out, err))
		return r.out, err
	}

	div := r.out.Divergence
	switch div.Kind {
	case KindConsistent:
		r.logger.Info("整合しています。修復は不要です")
	case KindIDMismatch:
		err = r.repairIDMismatch(ctx)
	case KindAuthOnly:
		err = r.createAppUser(ctx)
	case KindAppOnly:
		err = r.createAuthIdentity(ctx, opts.Password)
	case KindAbsent:
		err = model.NewNotFoundError(r.out.Tenant, r.out.Email)
	case KindDuplicateApp:
		err = model.NewAmbiguousStateError(r.out.Tenant, r.out.Email, userIDs(div.Duplicates))
	}

	result := resultOf(r.out, err)
	d.recorder.RecordRepair(string(div.Kind), result)
	if err != nil {
		r.logger.Error("修復できませんでした", slog.String("result", result), slog.String("error", err.Error()))
		return r.out, err
	}
	r.logger.Info("修復処理が完了しました", slog.String("result", result))
	return r.out, nil
}

// Register はAbsentの(tenant, email)にAuthIdentityとユーザー行を新規作成する。
func (d *Dispatcher) Register(ctx context.Context, tenant, email, password string) (*Outcome, error) {
	r, err := d.begin(ctx, tenant, email, false)
	if err != nil {
		return r.out, err
	}

	err = r.register(ctx, password)
	d.recorder.RecordRepair(string(KindAbsent), resultOf(r.out, err))
	return r.out, err
}

// ResetPassword はAuthIdentityのパスワードを更新する。整合済みのユーザー行があれば認証情報も更新する。
func (d *Dispatcher) ResetPassword(ctx context.Context, tenant, email, password string) (*Outcome, error) {
	r, err := d.begin(ctx, tenant, email, false)
	if err != nil {
		return r.out, err
	}

	div := r.out.Divergence
	if div.Auth == nil {
		return r.out, model.NewNotFoundError(r.out.Tenant, r.out.Email)
	}
	hash, err := hashPassword(password)
	if err != nil {
		return r.out, err
	}

	err = r.step(ctx, StepUpdatePassword, "auth identity "+div.Auth.ExternalID, func(ctx context.Context) error {
		return d.auth.UpdatePassword(ctx, div.Auth.ExternalID, password)
	})
	if err != nil {
		return r.out, err
	}

	if div.Kind != KindConsistent {
		r.skip(StepRefreshCredential, fmt.Sprintf("classification is %s; run repair first", div.Kind))
		return r.out, nil
	}
	err = r.step(ctx, StepRefreshCredential, "users."+div.App.ID+" credential_material", func(ctx context.Context) error {
		return d.users.UpdateCredential(ctx, r.out.Tenant, div.App.ID, &hash)
	})
	return r.out, err
}

// repairIDMismatch はユーザー行のIDをAuthIdentityのIDに付け替える。
// 手順: (a)旧行のメールアドレスを退避用に変更 → (b)新IDで行を作成 → (c)依存行を付け替え → (d)旧行を削除。
// (d)より前の失敗では旧行を残したまま中断する。退避済みの行があれば(a)から、新IDの行があれば(b)から先へ再開する。
func (r *run) repairIDMismatch(ctx context.Context) error {
	div := r.out.Divergence
	old, tenant := div.App, r.out.Tenant
	newID := div.Auth.ExternalID
	if err := r.checkAuthTenant(div.Auth); err != nil {
		return err
	}

	originalEmail := old.Email
	if div.Resuming() {
		_, originalEmail, _ = model.ParsePlaceholderEmail(old.Email)
	}

	var existing *model.AppUser
	err := r.read(ctx, func(ctx context.Context) (err error) {
		existing, err = r.d.users.FindByID(ctx, tenant, newID)
		return err
	})
	if err != nil {
		return model.NewFetchFailureError("user store", err)
	}
	if existing != nil && !model.SameEmail(existing.Email, originalEmail) {
		return model.NewRepairFailedError(StepInsert,
			fmt.Errorf("user %s already exists with email %s", newID, existing.Email))
	}
	if existing == nil {
		// 主キーはテナントをまたいで一意のため、他テナントが使っているIDでは(b)が必ず失敗する
		var taken bool
		err := r.read(ctx, func(ctx context.Context) (err error) {
			taken, err = r.d.users.ExistsByID(ctx, newID)
			return err
		})
		if err != nil {
			return model.NewFetchFailureError("user store", err)
		}
		if taken {
			return model.NewRepairFailedError(StepInsert,
				fmt.Errorf("user id %s is already used in another tenant", newID))
		}
	}

	var counts repository.DependentCounts
	err = r.read(ctx, func(ctx context.Context) (err error) {
		counts, err = r.d.deps.CountByUserID(ctx, old.ID)
		return err
	})
	if err != nil {
		return model.NewFetchFailureError("user store", err)
	}

	// (a)
	if div.Resuming() {
		r.skip(StepRename, fmt.Sprintf("users.%s already carries placeholder %s", old.ID, old.Email))
	} else {
		placeholder := model.PlaceholderEmail(old.ID, originalEmail)
		err := r.step(ctx, StepRename, fmt.Sprintf("users.%s email %s -> %s", old.ID, old.Email, placeholder), func(ctx context.Context) error {
			return r.d.users.UpdateEmail(ctx, tenant, old.ID, placeholder)
		})
		if err != nil {
			return err
		}
	}

	// (b)
	if existing != nil {
		r.skip(StepInsert, fmt.Sprintf("users.%s already exists", newID))
	} else {
		created := &model.AppUser{
			ID:                 newID,
			TenantID:           tenant,
			Email:              originalEmail,
			Role:               old.Role,
			IsActive:           old.IsActive,
			CredentialMaterial: copyString(old.CredentialMaterial),
			CreatedAt:          old.CreatedAt,
		}
		err := r.step(ctx, StepInsert, fmt.Sprintf("users.%s email=%s role=%s active=%t", newID, originalEmail, old.Role, old.IsActive), func(ctx context.Context) error {
			return r.d.users.Insert(ctx, created)
		})
		if err != nil {
			return err
		}
		if !r.dryRun {
			r.out.CreatedApp = created
		}
	}

	// (c)
	detail := fmt.Sprintf("%d user_settings, %d user_profiles: %s -> %s", counts.Settings, counts.Profiles, old.ID, newID)
	err = r.step(ctx, StepRepoint, detail, func(ctx context.Context) (err error) {
		r.out.Repointed, err = r.d.deps.Repoint(ctx, tenant, old.ID, newID)
		return err
	})
	if err != nil {
		return err
	}

	err = r.step(ctx, StepVerify, "no dependents reference "+old.ID, func(ctx context.Context) error {
		remaining, err := r.d.deps.CountByUserID(ctx, old.ID)
		if err != nil {
			return err
		}
		if remaining.Total() != 0 {
			return fmt.Errorf("%d dependent rows still reference %s", remaining.Total(), old.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// (d)
	return r.step(ctx, StepDelete, "users."+old.ID, func(ctx context.Context) error {
		return r.d.users.DeleteByID(ctx, tenant, old.ID)
	})
}

// createAppUser はAuthIdentityに対応するユーザー行を作成する。役割はテナント最初のユーザーかどうかで決まる。
func (r *run) createAppUser(ctx context.Context) error {
	auth := r.out.Divergence.Auth
	if err := r.checkAuthTenant(auth); err != nil {
		return err
	}

	user := &model.AppUser{ID: auth.ExternalID, TenantID: r.out.Tenant, Email: r.out.Email}
	err := r.step(ctx, StepCreateAppUser, fmt.Sprintf("users.%s (super_user if first in tenant)", auth.ExternalID), func(ctx context.Context) error {
		return r.d.users.CreateWithRole(ctx, user)
	})
	if err != nil {
		return err
	}
	if !r.dryRun {
		r.out.CreatedApp = user
		r.logger.Info("ユーザー行を作成しました",
			slog.String("user_id", user.ID),
			slog.String("role", string(user.Role)),
			slog.Bool("is_active", user.IsActive),
		)
	}
	return nil
}

// createAuthIdentity はユーザー行のメールアドレスでAuthIdentityを作成する。ユーザー行のIDは変更しない。
func (r *run) createAuthIdentity(ctx context.Context, password string) error {
	app := r.out.Divergence.App

	generated := false
	if password == "" && !r.dryRun {
		p, err := credential.Generate()
		if err != nil {
			return model.NewRepairFailedError(StepCreateAuthIdentity, err)
		}
		password, generated = p, true
	}

	var hash string
	if !r.dryRun || password != "" {
		var err error
		if hash, err = hashPassword(password); err != nil {
			return err
		}
	}

	var created *model.AuthIdentity
	err := r.step(ctx, StepCreateAuthIdentity, fmt.Sprintf("auth identity id=%s email=%s", app.ID, r.out.Email), func(ctx context.Context) (err error) {
		created, err = r.d.auth.Create(ctx, authprovider.NewIdentity{
			ID:       app.ID,
			Email:    r.out.Email,
			Password: password,
			Metadata: map[string]string{model.MetadataTenantKey: r.out.Tenant},
		})
		return err
	})
	if err != nil {
		return err
	}
	if !r.dryRun {
		r.out.CreatedAuth = created
		if generated {
			r.out.GeneratedPassword = password
		}
	}

	err = r.step(ctx, StepRefreshCredential, "users."+app.ID+" credential_material", func(ctx context.Context) error {
		return r.d.users.UpdateCredential(ctx, r.out.Tenant, app.ID, &hash)
	})
	if err != nil {
		return err
	}

	if created != nil && created.ExternalID != app.ID {
		r.logger.Warn("認証プロバイダーが別のIDを採番しました。再実行するとIdMismatchとして修復されます",
			slog.String("external_id", created.ExternalID),
			slog.String("user_id", app.ID),
		)
	}
	return nil
}

// register はAbsentの場合にAuthIdentityとユーザー行を作成する。
func (r *run) register(ctx context.Context, password string) error {
	if kind := r.out.Divergence.Kind; kind != KindAbsent {
		return model.NewInvalidInputError(fmt.Sprintf("%s already exists (classification %s); use repair instead", r.out.Email, kind))
	}
	if password == "" {
		return model.NewInvalidInputError("password is required")
	}
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}

	var created *model.AuthIdentity
	err = r.step(ctx, StepCreateAuthIdentity, "auth identity email="+r.out.Email, func(ctx context.Context) (err error) {
		created, err = r.d.auth.Create(ctx, authprovider.NewIdentity{
			Email:    r.out.Email,
			Password: password,
			Metadata: map[string]string{model.MetadataTenantKey: r.out.Tenant},
		})
		return err
	})
	if err != nil {
		return err
	}
	r.out.CreatedAuth = created

	user := &model.AppUser{ID: created.ExternalID, TenantID: r.out.Tenant, Email: r.out.Email, CredentialMaterial: &hash}
	err = r.step(ctx, StepCreateAppUser, fmt.Sprintf("users.%s (super_user if first in tenant)", user.ID), func(ctx context.Context) error {
		return r.d.users.CreateWithRole(ctx, user)
	})
	if err != nil {
		return err
	}
	r.out.CreatedApp = user
	return nil
}

// checkAuthTenant はAuthIdentityが別テナントで作成されたものでないことを確認する。
func (r *run) checkAuthTenant(auth *model.AuthIdentity) error {
	if owner := auth.TenantID(); owner != "" && owner != r.out.Tenant {
		return model.NewInvalidInputError(fmt.Sprintf("auth identity %s belongs to tenant %s", auth.ExternalID, owner))
	}
	return nil
}

// read はタイムアウト付きで読み取りを行う。ドライランでも実行する。
func (r *run) read(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := r.d.withTimeout(ctx)
	defer cancel()
	return fn(ctx)
}

// step は書き込み手順を1つ実行する。ドライランでは予定として記録するだけ。
// 制約違反はそのまま返し、それ以外の失敗はRepairFailedとして返す。
func (r *run) step(ctx context.Context, name, detail string, fn func(context.Context) error) error {
	if r.dryRun {
		r.out.Steps = append(r.out.Steps, Step{Name: name, Status: StepPlanned, Detail: detail})
		r.logger.Info("実行予定の手順", slog.String("step", name), slog.String("detail", detail))
		return nil
	}

	ctx, cancel := r.d.withTimeout(ctx)
	defer cancel()

	if err := fn(ctx); err != nil {
		r.d.recorder.RecordStepFailure(name)
		r.logger.Error("修復手順に失敗しました",
			slog.String("step", name),
			slog.String("detail", detail),
			slog.String("error", err.Error()),
		)
		if repository.IsConstraintViolation(err) {
			return err
		}
		return model.NewRepairFailedError(name, err)
	}

	r.out.Steps = append(r.out.Steps, Step{Name: name, Status: StepDone, Detail: detail})
	r.logger.Info("修復手順を実行しました", slog.String("step", name), slog.String("detail", detail))
	return nil
}

func (r *run) skip(name, detail string) {
	r.out.Steps = append(r.out.Steps, Step{Name: name, Status: StepSkipped, Detail: detail})
	r.logger.Info("手順をスキップしました", slog.String("step", name), slog.String("detail", detail))
}

func (d *Dispatcher) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}

func hashPassword(password string) (string, error) {
	hash, err := credential.Hash(password)
	if errors.Is(err, credential.ErrPasswordTooShort) {
		return "", model.NewInvalidInputError(fmt.Sprintf("password must be at least %d characters", credential.MinPasswordLength))
	}
	if err != nil {
		return "", model.NewRepairFailedError("hash_password", err)
	}
	return hash, nil
}

func resultOf(out *Outcome, err error) string {
	switch {
	case err != nil:
		switch model.ErrorCode(err) {
		case model.ErrCodeNotFound, model.ErrCodeAmbiguousState, model.ErrCodeInvalidInput:
			return ResultRejected
		}
		return ResultFailed
	case out.DryRun && len(out.Steps) > 0:
		return ResultPlanned
	case out.Changed():
		return ResultRepaired
	default:
		return ResultNoop
	}
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
