// Package media はメディアセットの検証とスライドショー変換を提供する。
package media

import (
	"fmt"
	"path/filepath"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/hitoshi/postdeck/internal/model"
	"github.com/hitoshi/postdeck/internal/security"
)

const (
	// MinSlideshowImages はスライドショーに必要な最小画像枚数。
	MinSlideshowImages = 2
	// MaxSlideshowImages はスライドショーの最大画像枚数。
	MaxSlideshowImages = 10
	// MaxImageSizeBytes は1画像あたりの最大サイズ。
	MaxImageSizeBytes = 20 * 1024 * 1024
)

// allowedImageExtensions はスライドショー入力として許可される画像拡張子。
var allowedImageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

// ValidatorConfig はメディアセット検証の上限設定。
type ValidatorConfig struct {
	// MaxImages はスライドショーの最大画像枚数。
	MaxImages int
	// MaxImageSizeBytes は1画像あたりの最大サイズ。
	MaxImageSizeBytes int64
}

// Validator はメディアセットの事前検証を行う。
type Validator struct {
	guard  security.SSRFGuardService
	config ValidatorConfig
}

// NewValidator はValidatorを生成する。
func NewValidator(guard security.SSRFGuardService, config ValidatorConfig) *Validator {
	if config.MaxImages <= 0 {
		config.MaxImages = MaxSlideshowImages
	}
	if config.MaxImageSizeBytes <= 0 {
		config.MaxImageSizeBytes = MaxImageSizeBytes
	}
	return &Validator{guard: guard, config: config}
}

// ValidateSet はメディアセット全体を検証する。
// 有効な形は「動画1本」または「画像2〜10枚」のみで、混在は不正。
// 違反は最初に見つかったものをインデックス付きで報告する。
func (v *Validator) ValidateSet(set model.MediaSet) error {
	if len(set.Items) == 0 {
		return model.NewInvalidMediaSetError("メディアが指定されていません")
	}

	videos := 0
	images := 0
	for _, item := range set.Items {
		switch item.Kind {
		case model.MediaKindVideo:
			videos++
		case model.MediaKindImage:
			images++
		default:
			return model.NewInvalidMediaSetError(fmt.Sprintf("未知のメディア種別です: %s", item.Kind))
		}
	}

	switch {
	case videos > 0 && images > 0:
		return model.NewInvalidMediaSetError("動画と画像は混在できません")
	case videos > 1:
		return model.NewInvalidMediaSetError("動画は1本のみ指定できます")
	case videos == 1:
		return v.validateItem(set.Items[0], 0)
	case images < MinSlideshowImages:
		return model.NewInvalidMediaSetError(
			fmt.Sprintf("スライドショーには%d枚以上の画像が必要です（指定: %d枚）", MinSlideshowImages, images))
	case images > v.config.MaxImages:
		return model.NewInvalidMediaSetError(
			fmt.Sprintf("スライドショーの画像は%d枚までです（指定: %d枚）", v.config.MaxImages, images))
	}

	for i, item := range set.Items {
		if err := v.validateItem(item, i); err != nil {
			return err
		}
	}
	return nil
}

// validateItem は1アイテムを検証し、違反をインデックス付きで報告する。
func (v *Validator) validateItem(item model.MediaItem, index int) error {
	if err := validation.Validate(item.Ref, validation.Required); err != nil {
		return model.NewInvalidMediaSetError(fmt.Sprintf("メディア[%d]: 参照が空です", index))
	}

	if isRemoteRef(item.Ref) {
		if err := v.guard.ValidateURL(item.Ref); err != nil {
			return model.NewInvalidMediaSetError(fmt.Sprintf("メディア[%d]: 不正なURLです: %v", index, err))
		}
	}

	if item.Kind == model.MediaKindImage {
		ext := strings.ToLower(filepath.Ext(refPath(item.Ref)))
		if !allowedImageExtensions[ext] {
			return model.NewInvalidMediaSetError(
				fmt.Sprintf("メディア[%d]: 対応していない画像形式です: %s", index, ext))
		}
		if item.SizeBytes > v.config.MaxImageSizeBytes {
			return model.NewInvalidMediaSetError(
				fmt.Sprintf("メディア[%d]: 画像サイズが上限を超えています (%dバイト)", index, item.SizeBytes))
		}
		if item.DurationMS < 0 {
			return model.NewInvalidMediaSetError(
				fmt.Sprintf("メディア[%d]: 表示時間が負の値です", index))
		}
	}
	return nil
}

// isRemoteRef は参照がHTTP(S) URLかを返す。
func isRemoteRef(ref string) bool {
	lower := strings.ToLower(ref)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// refPath はURL参照からクエリを除いたパス部分を返す。
// ローカルパスはそのまま返す。
func refPath(ref string) string {
	if idx := strings.IndexByte(ref, '?'); idx >= 0 {
		return ref[:idx]
	}
	return ref
}
