package media

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/sunshineplan/imgconv"
)

const (
	// FrameWidth はスライドショー動画の出力幅（縦型9:16）。
	FrameWidth = 1080
	// FrameHeight はスライドショー動画の出力高さ。
	FrameHeight = 1920
)

// LetterboxImage は画像を1080x1920のフレームに収める。
// アスペクト比を維持したまま縮小し、余白は黒で埋める。
// 切り抜きは行わない。
func LetterboxImage(srcPath, destPath string) error {
	src, err := imgconv.Open(srcPath)
	if err != nil {
		return fmt.Errorf("failed to open image: %w", err)
	}

	bounds := src.Bounds()
	srcW := bounds.Dx()
	srcH := bounds.Dy()
	if srcW == 0 || srcH == 0 {
		return fmt.Errorf("image has zero dimension: %dx%d", srcW, srcH)
	}

	// フレームに収まる最大サイズへ縮小（拡大はしない）
	scale := minFloat(
		float64(FrameWidth)/float64(srcW),
		float64(FrameHeight)/float64(srcH),
	)
	if scale > 1 {
		scale = 1
	}
	fitW := int(float64(srcW) * scale)
	fitH := int(float64(srcH) * scale)

	fitted := imgconv.Resize(src, &imgconv.ResizeOption{Width: fitW, Height: fitH})

	// 黒背景のフレーム中央に配置
	frame := image.NewRGBA(image.Rect(0, 0, FrameWidth, FrameHeight))
	draw.Draw(frame, frame.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	offset := image.Pt((FrameWidth-fitW)/2, (FrameHeight-fitH)/2)
	draw.Draw(frame, fitted.Bounds().Add(offset), fitted, fitted.Bounds().Min, draw.Over)

	if err := imgconv.Save(destPath, frame, &imgconv.FormatOption{Format: imgconv.PNG}); err != nil {
		return fmt.Errorf("failed to save letterboxed image: %w", err)
	}
	return nil
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
