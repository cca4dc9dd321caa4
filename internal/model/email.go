package model

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// 退避用メールアドレスは placeholderPrefix + 旧ID + "+" + 元のローカル部 + "=" + 元のドメイン + "@" + PlaceholderDomain の形式。
// .invalid はRFC 2606で予約されたTLDのため、実在のメールアドレスと衝突しない。
const (
	placeholderPrefix = "reconcile+"
	PlaceholderDomain = "reconcile.invalid"
	placeholderSuffix = "@" + PlaceholderDomain
)

var placeholderIDEscaper = strings.NewReplacer("%", "%25", "+", "%2B")
var placeholderIDUnescaper = strings.NewReplacer("%2B", "+", "%25", "%")

// NormalizeEmail はメールアドレスを比較用に正規化する。
// 前後の空白を除去して小文字化し、ドメイン部はIDNAのASCII表現に変換する。
func NormalizeEmail(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return "", fmt.Errorf("invalid email address: %q", raw)
	}

	local, domain := s[:at], s[at+1:]
	asciiDomain, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", fmt.Errorf("invalid email domain %q: %w", domain, err)
	}

	return local + "@" + asciiDomain, nil
}

// EmailKey は保存済みメールアドレスの比較キーを返す。
// 正規化できない値は前後の空白除去と小文字化のみを行う。
func EmailKey(email string) string {
	if n, err := NormalizeEmail(email); err == nil {
		return n
	}
	return strings.ToLower(strings.TrimSpace(email))
}

// SameEmail は2つのメールアドレスが正規化後に一致するかどうかを返す。
func SameEmail(a, b string) bool {
	return EmailKey(a) == EmailKey(b)
}

// PlaceholderEmail はID付け替え修復の手順(a)で旧レコードに設定する退避用メールアドレスを返す。
// 旧IDと元のメールアドレスを埋め込むため、中断後の再実行で元の状態を特定できる。
func PlaceholderEmail(oldID, email string) string {
	encoded := email
	if at := strings.LastIndex(email, "@"); at >= 0 {
		encoded = email[:at] + "=" + email[at+1:]
	}
	return placeholderPrefix + placeholderIDEscaper.Replace(oldID) + "+" + encoded + placeholderSuffix
}

// ParsePlaceholderEmail は退避用メールアドレスから旧IDと元のメールアドレスを取り出す。
// 退避用の形式でない場合はokにfalseを返す。
func ParsePlaceholderEmail(s string) (oldID, email string, ok bool) {
	if len(s) < len(placeholderPrefix)+len(placeholderSuffix) || !strings.HasPrefix(s, placeholderPrefix) ||
		!strings.EqualFold(s[len(s)-len(placeholderSuffix):], placeholderSuffix) {
		return "", "", false
	}
	rest := s[len(placeholderPrefix) : len(s)-len(placeholderSuffix)]
	sep := strings.Index(rest, "+")
	if sep <= 0 {
		return "", "", false
	}
	encoded := rest[sep+1:]
	// ドメイン部に"="は現れないため、最後の"="が元の"@"にあたる
	eq := strings.LastIndex(encoded, "=")
	if eq <= 0 || eq == len(encoded)-1 {
		return "", "", false
	}
	return placeholderIDUnescaper.Replace(rest[:sep]), encoded[:eq] + "@" + encoded[eq+1:], true
}

// IsPlaceholderEmail は退避用メールアドレスかどうかを返す。
func IsPlaceholderEmail(s string) bool {
	_, _, ok := ParsePlaceholderEmail(s)
	return ok
}
