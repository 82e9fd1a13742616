// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はカタログAPIから取得したタイトル等の文字列からHTMLを除去し、
// Discordの埋め込みに安全に載せられるプレーンテキストへ変換する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// maxTextLength は埋め込みに載せる1フィールドあたりの最大文字数（rune数）。
// Discordのembed titleの上限256文字に合わせる。
const maxTextLength = 256

// TextSanitizer はHTMLを含み得る文字列をプレーンテキストに変換する。
// bluemondayのStrictPolicyはスレッドセーフなため、複数goroutineから共有できる。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
// すべてのタグを除去し、script/styleの中身も破棄する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去し、エンティティを復元し、連続空白を1つにまとめる。
// 結果がmaxTextLengthを超える場合は末尾を省略記号で切り詰める。
func (s *TextSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}

	// StrictPolicyは & などをエスケープして返すため、Markdown向けに元に戻す
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Join(strings.Fields(text), " ")

	runes := []rune(text)
	if len(runes) > maxTextLength {
		return string(runes[:maxTextLength-1]) + "…"
	}
	return text
}
