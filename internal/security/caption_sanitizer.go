// Package security はアプリケーションのセキュリティ機能を提供する。
//
// CaptionSanitizerService は投稿キャプションをサニタイズし、
// HTMLタグの混入やプラットフォームの文字数制限違反を事前に排除する。
// bluemondayのStrictPolicyですべてのマークアップを除去する。
package security

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// MaxCaptionLength はプラットフォームが許可するキャプションの最大文字数。
const MaxCaptionLength = 2200

// CaptionSanitizerService はキャプションのサニタイズ機能のインターフェースを定義する。
// 投稿の保存前および公開リクエスト組み立て時に使用される。
type CaptionSanitizerService interface {
	// Sanitize はキャプションからすべてのHTMLマークアップを除去し、
	// 前後の空白を取り除いたプレーンテキストを返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string

	// Validate はサニタイズ済みキャプションが文字数制限内かを検証する。
	Validate(caption string) error
}

// captionSanitizer はCaptionSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type captionSanitizer struct {
	policy *bluemonday.Policy
}

// NewCaptionSanitizer はCaptionSanitizerServiceの新しいインスタンスを生成する。
// キャプションはプレーンテキストのみを想定するため、
// タグを一切許可しないStrictPolicyを使用する。
func NewCaptionSanitizer() *captionSanitizer {
	return &captionSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はキャプションからすべてのHTMLマークアップを除去する。
func (s *captionSanitizer) Sanitize(raw string) string {
	return strings.TrimSpace(s.policy.Sanitize(raw))
}

// CaptionTooLongError はキャプションが文字数制限を超えたことを表す。
type CaptionTooLongError struct {
	Length int
}

func (e *CaptionTooLongError) Error() string {
	return "caption exceeds platform limit"
}

// Validate はキャプションが文字数制限内かを検証する。
// 文字数はUTF-8のルーン数で数える。
func (s *captionSanitizer) Validate(caption string) error {
	if length := utf8.RuneCountInString(caption); length > MaxCaptionLength {
		return &CaptionTooLongError{Length: length}
	}
	return nil
}
