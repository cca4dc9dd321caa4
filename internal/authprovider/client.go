// Package authprovider は外部認証プロバイダーの管理APIクライアントを提供する。
// GoTrue互換の /admin/users エンドポイント（一覧・作成・パスワード更新・削除）のみを使用する。
package authprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/idreconcile/internal/model"
)

const (
	// defaultPageSize は一覧取得の1ページあたりの件数。
	defaultPageSize = 200
	// maxErrorBody はエラーレスポンスから読み取る最大バイト数。
	maxErrorBody = 4096
)

// ErrEmailExists は同じメールアドレスのAuthIdentityが既に存在することを表す。
var ErrEmailExists = errors.New("auth identity with this email already exists")

// StatusError は管理APIが2xx以外を返したことを表す。
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

// Error はerrorインターフェースを実装する。
func (e *StatusError) Error() string {
	return fmt.Sprintf("auth admin API %s %s returned status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Config は管理APIクライアントの設定。
type Config struct {
	BaseURL    string     // 例: https://project.example.co/auth/v1
	ServiceKey string     // service_role キー
	Limit      rate.Limit // 1秒あたりのリクエスト数
	Burst      int
	PageSize   int
}

// Client は認証プロバイダー管理APIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	serviceKey string
	limiter    *rate.Limiter
	pageSize   int
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, cfg Config) *Client {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	limit, burst := cfg.Limit, cfg.Burst
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		serviceKey: cfg.ServiceKey,
		limiter:    rate.NewLimiter(limit, burst),
		pageSize:   pageSize,
	}
}

// adminUser は管理APIのユーザー表現。
type adminUser struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at"`
	UserMetadata     map[string]any `json:"user_metadata"`
	CreatedAt        time.Time      `json:"created_at"`
}

type listUsersResponse struct {
	Users []adminUser `json:"users"`
}

type createUserRequest struct {
	ID           string            `json:"id,omitempty"`
	Email        string            `json:"email"`
	Password     string            `json:"password"`
	EmailConfirm bool              `json:"email_confirm"`
	UserMetadata map[string]string `json:"user_metadata,omitempty"`
}

type updateUserRequest struct {
	Password string `json:"password"`
}

func (u adminUser) toIdentity() *model.AuthIdentity {
	email, err := model.NormalizeEmail(u.Email)
	if err != nil {
		email = strings.ToLower(strings.TrimSpace(u.Email))
	}

	var metadata map[string]string
	for k, v := range u.UserMetadata {
		if s, ok := v.(string); ok {
			if metadata == nil {
				metadata = make(map[string]string)
			}
			metadata[k] = s
		}
	}

	return &model.AuthIdentity{
		ExternalID: u.ID,
		Email:      email,
		Confirmed:  u.EmailConfirmedAt != nil,
		Metadata:   metadata,
		CreatedAt:  u.CreatedAt,
	}
}

// List は全AuthIdentityをページングしながら取得する。
func (c *Client) List(ctx context.Context) ([]*model.AuthIdentity, error) {
	var all []*model.AuthIdentity
	err := c.eachPage(ctx, func(page []adminUser) bool {
		for _, u := range page {
			all = append(all, u.toIdentity())
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// FindByEmail はメールアドレス（正規化済み）が一致するAuthIdentityを返す。見つからない場合はnilを返す。
// 管理APIにメールアドレス検索がないため、一致するまでページを順に取得する。
func (c *Client) FindByEmail(ctx context.Context, email string) (*model.AuthIdentity, error) {
	var found *model.AuthIdentity
	err := c.eachPage(ctx, func(page []adminUser) bool {
		for _, u := range page {
			identity := u.toIdentity()
			if identity.Email == email {
				found = identity
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// eachPage はページごとにfnを呼び出す。fnがfalseを返すか空のページが返ったら終了する。
// プロバイダーがper_pageを上限で切り詰める場合があるため、件数がpageSize未満でも続ける。
func (c *Client) eachPage(ctx context.Context, fn func([]adminUser) bool) error {
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", strconv.Itoa(c.pageSize))

		var resp listUsersResponse
		if err := c.do(ctx, http.MethodGet, "/admin/users?"+q.Encode(), nil, &resp); err != nil {
			return err
		}

		c.logger.Debug("auth identities page fetched",
			slog.Int("page", page),
			slog.Int("count", len(resp.Users)),
		)

		if len(resp.Users) == 0 || !fn(resp.Users) {
			return nil
		}
	}
}

// NewIdentity はAuthIdentity作成時の入力。IDが空の場合はプロバイダーが採番する。
type NewIdentity struct {
	ID       string
	Email    string
	Password string
	Metadata map[string]string
}

// Create はAuthIdentityを作成する。メールアドレスは確認済みとして登録する。
// 既に同じメールアドレスが存在する場合はErrEmailExistsを返す。
func (c *Client) Create(ctx context.Context, in NewIdentity) (*model.AuthIdentity, error) {
	var created adminUser
	err := c.do(ctx, http.MethodPost, "/admin/users", createUserRequest{
		ID:           in.ID,
		Email:        in.Email,
		Password:     in.Password,
		EmailConfirm: true,
		UserMetadata: in.Metadata,
	}, &created)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.StatusCode == http.StatusUnprocessableEntity || se.StatusCode == http.StatusConflict) {
			return nil, fmt.Errorf("%w: %v", ErrEmailExists, err)
		}
		return nil, err
	}

	c.logger.Info("auth identity created",
		slog.String("external_id", created.ID),
		slog.String("email", in.Email),
	)
	return created.toIdentity(), nil
}

// UpdatePassword はAuthIdentityのパスワードを更新する。
func (c *Client) UpdatePassword(ctx context.Context, id, password string) error {
	if err := c.do(ctx, http.MethodPut, "/admin/users/"+url.PathEscape(id), updateUserRequest{Password: password}, nil); err != nil {
		return err
	}
	c.logger.Info("auth identity password updated", slog.String("external_id", id))
	return nil
}

// Delete はAuthIdentityを削除する。
func (c *Client) Delete(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/admin/users/"+url.PathEscape(id), nil, nil); err != nil {
		return err
	}
	c.logger.Info("auth identity deleted", slog.String("external_id", id))
	return nil
}

// do はレート制限を待ってからリクエストを送信し、レスポンスをoutにデコードする。
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait failed: %w", err)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.serviceKey)
	req.Header.Set("apikey", c.serviceKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("auth admin API request failed",
			slog.String("method", method),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("auth admin API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Error("auth admin API returned error status",
			slog.String("method", method),
			slog.Int("http_status", resp.StatusCode),
		)
		return &StatusError{
			Method:     method,
			Path:       strings.SplitN(path, "?", 2)[0],
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(raw)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
