package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/idreconcile/internal/authprovider"
	"github.com/hitoshi/idreconcile/internal/model"
	"github.com/hitoshi/idreconcile/internal/repository"
)

// --- インメモリストア ---

// memStore はusers・user_settings・user_profilesのインメモリ実装。
// 主キー、(tenant_id, email)の一意制約、外部キー（ON DELETE CASCADE）を再現する。
type memStore struct {
	mu       sync.Mutex
	users    map[string]*model.AppUser
	settings map[string]string // settings id -> user_id
	profiles map[string]string // profile id -> user_id
	fail     map[string]error  // メソッド名 -> 返すエラー
	calls    []string
	seq      int
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[string]*model.AppUser),
		settings: make(map[string]string),
		profiles: make(map[string]string),
		fail:     make(map[string]error),
	}
}

func (s *memStore) addUser(u model.AppUser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.Role == "" {
		u.Role = model.RoleRegular
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	s.users[u.ID] = &u
}

func (s *memStore) addSettings(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.settings[fmt.Sprintf("settings-%d", s.seq)] = userID
}

func (s *memStore) addProfile(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.profiles[fmt.Sprintf("profile-%d", s.seq)] = userID
}

func (s *memStore) user(id string) *model.AppUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		c := *u
		return &c
	}
	return nil
}

func (s *memStore) dependents(userID string) (settings, profiles int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, uid := range s.settings {
		if uid == userID {
			settings++
		}
	}
	for _, uid := range s.profiles {
		if uid == userID {
			profiles++
		}
	}
	return settings, profiles
}

// orphans は存在しないユーザーを参照する依存行の件数を返す。
func (s *memStore) orphans() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, uid := range s.settings {
		if _, ok := s.users[uid]; !ok {
			n++
		}
	}
	for _, uid := range s.profiles {
		if _, ok := s.users[uid]; !ok {
			n++
		}
	}
	return n
}

func (s *memStore) called(method string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c == method {
			return true
		}
	}
	return false
}

// writes は書き込み系メソッドの呼び出し履歴を返す。
func (s *memStore) writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.calls {
		switch c {
		case "Insert", "CreateWithRole", "UpdateEmail", "UpdateCredential", "DeleteByID", "Repoint":
			out = append(out, c)
		}
	}
	return out
}

// enter は呼び出しを記録し、注入されたエラーがあれば返す。ロック取得後に呼ぶこと。
func (s *memStore) enter(ctx context.Context, method string) error {
	s.calls = append(s.calls, method)
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.fail[method]
}

func (s *memStore) sorted(match func(*model.AppUser) bool) []*model.AppUser {
	out := []*model.AppUser{}
	for _, u := range s.users {
		if match(u) {
			c := *u
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) emailTaken(tenantID, email, exceptID string) bool {
	for _, u := range s.users {
		if u.ID != exceptID && u.TenantID == tenantID && u.Email == email {
			return true
		}
	}
	return false
}

func constraintErr(name string) error {
	return model.NewConstraintViolationError(name, errors.New("duplicate key value violates unique constraint"))
}

func (s *memStore) FindByTenantAndEmail(ctx context.Context, tenantID, email string) ([]*model.AppUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "FindByTenantAndEmail"); err != nil {
		return nil, err
	}
	return s.sorted(func(u *model.AppUser) bool {
		return u.TenantID == tenantID && !model.IsPlaceholderEmail(u.Email) && model.SameEmail(u.Email, email)
	}), nil
}

func (s *memStore) FindPendingByTenantAndEmail(ctx context.Context, tenantID, email string) ([]*model.AppUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "FindPendingByTenantAndEmail"); err != nil {
		return nil, err
	}
	return s.sorted(func(u *model.AppUser) bool {
		_, original, ok := model.ParsePlaceholderEmail(u.Email)
		return u.TenantID == tenantID && ok && model.SameEmail(original, email)
	}), nil
}

func (s *memStore) FindByID(ctx context.Context, tenantID, id string) (*model.AppUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "FindByID"); err != nil {
		return nil, err
	}
	if u, ok := s.users[id]; ok && u.TenantID == tenantID {
		c := *u
		return &c, nil
	}
	return nil, nil
}

func (s *memStore) ExistsByID(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "ExistsByID"); err != nil {
		return false, err
	}
	_, ok := s.users[id]
	return ok, nil
}

func (s *memStore) ListByTenant(ctx context.Context, tenantID string) ([]*model.AppUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "ListByTenant"); err != nil {
		return nil, err
	}
	return s.sorted(func(u *model.AppUser) bool { return u.TenantID == tenantID }), nil
}

func (s *memStore) CountByTenant(ctx context.Context, tenantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "CountByTenant"); err != nil {
		return 0, err
	}
	return len(s.sorted(func(u *model.AppUser) bool { return u.TenantID == tenantID })), nil
}

func (s *memStore) insertLocked(user *model.AppUser) error {
	if _, ok := s.users[user.ID]; ok {
		return constraintErr("users_pkey")
	}
	if s.emailTaken(user.TenantID, user.Email, "") {
		return constraintErr("users_tenant_email_key")
	}
	c := *user
	s.users[user.ID] = &c
	return nil
}

func (s *memStore) Insert(ctx context.Context, user *model.AppUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "Insert"); err != nil {
		return err
	}
	return s.insertLocked(user)
}

func (s *memStore) CreateWithRole(ctx context.Context, user *model.AppUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "CreateWithRole"); err != nil {
		return err
	}
	count := len(s.sorted(func(u *model.AppUser) bool { return u.TenantID == user.TenantID }))
	user.Role, user.IsActive = model.RoleRegular, false
	if count == 0 {
		user.Role, user.IsActive = model.RoleSuperUser, true
	}
	return s.insertLocked(user)
}

func (s *memStore) UpdateEmail(ctx context.Context, tenantID, id, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "UpdateEmail"); err != nil {
		return err
	}
	u, ok := s.users[id]
	if !ok || u.TenantID != tenantID {
		return fmt.Errorf("user not found: %s", id)
	}
	if s.emailTaken(tenantID, email, id) {
		return constraintErr("users_tenant_email_key")
	}
	u.Email = email
	return nil
}

func (s *memStore) UpdateCredential(ctx context.Context, tenantID, id string, credential *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "UpdateCredential"); err != nil {
		return err
	}
	u, ok := s.users[id]
	if !ok || u.TenantID != tenantID {
		return fmt.Errorf("user not found: %s", id)
	}
	u.CredentialMaterial = copyString(credential)
	return nil
}

func (s *memStore) DeleteByID(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "DeleteByID"); err != nil {
		return err
	}
	u, ok := s.users[id]
	if !ok || u.TenantID != tenantID {
		return fmt.Errorf("user not found: %s", id)
	}
	delete(s.users, id)
	for k, uid := range s.settings {
		if uid == id {
			delete(s.settings, k)
		}
	}
	for k, uid := range s.profiles {
		if uid == id {
			delete(s.profiles, k)
		}
	}
	return nil
}

func (s *memStore) Repoint(ctx context.Context, tenantID, oldID, newID string) (repository.RepointResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res repository.RepointResult
	if err := s.enter(ctx, "Repoint"); err != nil {
		return res, err
	}
	for _, id := range []string{oldID, newID} {
		if u, ok := s.users[id]; !ok || u.TenantID != tenantID {
			return res, fmt.Errorf("users %s and %s are not both in tenant %s", oldID, newID, tenantID)
		}
	}
	for k, uid := range s.settings {
		if uid == oldID {
			s.settings[k] = newID
			res.Settings++
		}
	}
	for k, uid := range s.profiles {
		if uid == oldID {
			s.profiles[k] = newID
			res.Profiles++
		}
	}
	return res, nil
}

func (s *memStore) CountByUserID(ctx context.Context, userID string) (repository.DependentCounts, error) {
	s.mu.Lock()
	if err := s.enter(ctx, "CountByUserID"); err != nil {
		s.mu.Unlock()
		return repository.DependentCounts{}, err
	}
	s.mu.Unlock()
	settings, profiles := s.dependents(userID)
	return repository.DependentCounts{Settings: settings, Profiles: profiles}, nil
}

var (
	_ repository.UserRepository      = (*memStore)(nil)
	_ repository.DependentRepository = (*memStore)(nil)
)

// --- 認証プロバイダーのフェイク ---

type fakeAuth struct {
	mu         sync.Mutex
	identities map[string]*model.AuthIdentity // email -> identity
	passwords  map[string]string              // id -> password
	fail       map[string]error
	block      bool // trueの場合FindByEmailはcontextが終了するまで待つ
	seq        int
	ignoreID   bool // trueの場合Createで指定IDを使わない
}

func newFakeAuth(identities ...*model.AuthIdentity) *fakeAuth {
	f := &fakeAuth{
		identities: make(map[string]*model.AuthIdentity),
		passwords:  make(map[string]string),
		fail:       make(map[string]error),
	}
	for _, i := range identities {
		f.identities[i.Email] = i
	}
	return f
}

func (f *fakeAuth) FindByEmail(ctx context.Context, email string) (*model.AuthIdentity, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail["FindByEmail"]; err != nil {
		return nil, err
	}
	return f.identities[email], nil
}

func (f *fakeAuth) List(ctx context.Context) ([]*model.AuthIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail["List"]; err != nil {
		return nil, err
	}
	out := make([]*model.AuthIdentity, 0, len(f.identities))
	for _, i := range f.identities {
		out = append(out, i)
	}
	return out, nil
}

func (f *fakeAuth) Create(ctx context.Context, in authprovider.NewIdentity) (*model.AuthIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail["Create"]; err != nil {
		return nil, err
	}
	if _, ok := f.identities[in.Email]; ok {
		return nil, authprovider.ErrEmailExists
	}
	id := in.ID
	if id == "" || f.ignoreID {
		f.seq++
		id = fmt.Sprintf("AUTH-NEW-%d", f.seq)
	}
	identity := &model.AuthIdentity{ExternalID: id, Email: in.Email, Confirmed: true, Metadata: in.Metadata}
	f.identities[in.Email] = identity
	f.passwords[id] = in.Password
	return identity, nil
}

func (f *fakeAuth) UpdatePassword(ctx context.Context, id, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail["UpdatePassword"]; err != nil {
		return err
	}
	f.passwords[id] = password
	return nil
}

// --- メトリクス記録のフェイク ---

type fakeRecorder struct {
	mu              sync.Mutex
	classifications []string
	repairs         []string
	stepFailures    []string
	durations       int
}

func (r *fakeRecorder) RecordClassification(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classifications = append(r.classifications, kind)
}

func (r *fakeRecorder) RecordRepair(kind, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repairs = append(r.repairs, kind+"/"+result)
}

func (r *fakeRecorder) RecordStepFailure(step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stepFailures = append(r.stepFailures, step)
}

func (r *fakeRecorder) ObserveDuration(time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations++
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher(store *memStore, auth *fakeAuth, rec Recorder) *Dispatcher {
	return NewDispatcher(store, store, auth, time.Second, rec, discardLogger())
}
