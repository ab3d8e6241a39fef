// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は監査ログや表示名など、外部から受け取ってそのまま保存・表示される
// 文字列からマークアップを除去する。bluemondayのStrictPolicyを使用する。
package security

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はプレーンテキストのサニタイズ機能のインターフェース。
type TextSanitizer interface {
	// Sanitize はすべてのHTMLタグを除去し、前後の空白を取り除いた文字列を返す。
	// 結果がmaxRunes文字を超える場合は切り詰める。maxRunesが0以下なら切り詰めない。
	Sanitize(raw string, maxRunes int) string
}

// textSanitizer はTextSanitizerの実装。bluemondayのポリシーはスレッドセーフ。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() TextSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はマークアップを除去した文字列を返す。
func (s *textSanitizer) Sanitize(raw string, maxRunes int) string {
	if raw == "" {
		return ""
	}
	out := strings.TrimSpace(s.policy.Sanitize(raw))
	if maxRunes > 0 && utf8.RuneCountInString(out) > maxRunes {
		runes := []rune(out)
		out = string(runes[:maxRunes])
	}
	return out
}
