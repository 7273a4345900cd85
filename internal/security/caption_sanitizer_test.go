package security

import (
	"errors"
	"strings"
	"testing"
)

// HTMLタグがすべて除去されることを検証
func TestCaptionSanitizer_StripsMarkup(t *testing.T) {
	sanitizer := NewCaptionSanitizer()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain text", "新作動画です #vlog", "新作動画です #vlog"},
		{"script tag", `before<script>alert("x")</script>after`, "beforeafter"},
		{"anchor tag", `check <a href="https://evil.example">this</a>`, "check this"},
		{"bold tag", "<b>bold</b> caption", "bold caption"},
		{"surrounding whitespace", "  padded  ", "padded"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizer.Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// サニタイズが冪等であることを検証
func TestCaptionSanitizer_Idempotent(t *testing.T) {
	sanitizer := NewCaptionSanitizer()
	input := `caption with <em>markup</em> and #hashtags`

	once := sanitizer.Sanitize(input)
	twice := sanitizer.Sanitize(once)
	if once != twice {
		t.Errorf("sanitize not idempotent: %q != %q", once, twice)
	}
}

// 文字数制限の境界を検証
func TestCaptionSanitizer_Validate(t *testing.T) {
	sanitizer := NewCaptionSanitizer()

	if err := sanitizer.Validate(strings.Repeat("a", MaxCaptionLength)); err != nil {
		t.Errorf("caption at limit should be valid: %v", err)
	}

	err := sanitizer.Validate(strings.Repeat("a", MaxCaptionLength+1))
	var tooLong *CaptionTooLongError
	if !errors.As(err, &tooLong) {
		t.Fatalf("expected CaptionTooLongError, got %v", err)
	}
	if tooLong.Length != MaxCaptionLength+1 {
		t.Errorf("Length = %d, want %d", tooLong.Length, MaxCaptionLength+1)
	}
}

// マルチバイト文字がルーン数で数えられることを検証
func TestCaptionSanitizer_Validate_MultibyteRunes(t *testing.T) {
	sanitizer := NewCaptionSanitizer()

	// 2200個の日本語文字はバイト数では制限を超えるがルーン数では制限内
	caption := strings.Repeat("あ", MaxCaptionLength)
	if err := sanitizer.Validate(caption); err != nil {
		t.Errorf("multibyte caption at rune limit should be valid: %v", err)
	}
}
