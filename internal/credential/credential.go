// Package credential はアプリ側に保存するパスワードハッシュと一時パスワードを扱う。
package credential

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength はパスワードの最小文字数。
const MinPasswordLength = 8

// generatedLength は自動生成するパスワードの文字数。
const generatedLength = 20

const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789"

// ErrPasswordTooShort はパスワードが短すぎることを表す。
var ErrPasswordTooShort = errors.New("password too short")

// Hash はパスワードをbcryptでハッシュ化する。
func Hash(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", ErrPasswordTooShort
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(b), nil
}

// Verify は平文パスワードと保存済みハッシュを比較する。
func Verify(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// Generate はランダムな一時パスワードを生成する。
func Generate() (string, error) {
	buf := make([]byte, generatedLength)
	max := big.NewInt(int64(len(alphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate password: %w", err)
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf), nil
}
