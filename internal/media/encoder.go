package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// maxDiagnosticBytes は保存するエンコーダ診断出力の上限。
const maxDiagnosticBytes = 4096

// EncodeRequest はスライドショーエンコード1回の入力。
type EncodeRequest struct {
	// ImagePaths はレターボックス済み画像のパス（表示順）。
	ImagePaths []string
	// Durations は各画像の表示時間（秒）。ImagePathsと同じ長さ。
	Durations []float64
	// WorkDir は中間ファイルを置く作業ディレクトリ。
	WorkDir string
	// OutputPath は生成する動画ファイルのパス。
	OutputPath string
}

// Encoder はスライドショー動画の生成インターフェース。
// テストではffmpegを呼ばないフェイク実装と差し替える。
type Encoder interface {
	// EncodeSlideshow は画像列から動画を生成する。
	// 失敗時はエンコーダの診断出力（切り詰め済み）をエラーに含める。
	EncodeSlideshow(ctx context.Context, req EncodeRequest) error
}

// FFmpegEncoder はffmpegのconcat demuxerによるスライドショー生成の実装。
type FFmpegEncoder struct {
	// BinaryPath はffmpegの実行ファイルパス。空の場合はPATHから探す。
	BinaryPath string
}

// NewFFmpegEncoder はFFmpegEncoderを生成する。
func NewFFmpegEncoder() *FFmpegEncoder {
	return &FFmpegEncoder{}
}

// EncoderError はエンコード失敗と診断出力を表す。
type EncoderError struct {
	Diagnostic string
	Err        error
}

func (e *EncoderError) Error() string {
	return fmt.Sprintf("ffmpeg failed: %v", e.Err)
}

func (e *EncoderError) Unwrap() error { return e.Err }

// EncodeSlideshow は画像列からH.264/MP4の動画を生成する。
//
// concat demuxerの入力リストでは各画像にdurationを指定し、
// 最後の画像をもう一度並べる。concat demuxerは最終エントリの
// durationを無視するため、これがないと最後の画像が一瞬で終わる。
func (e *FFmpegEncoder) EncodeSlideshow(ctx context.Context, req EncodeRequest) error {
	if len(req.ImagePaths) == 0 {
		return fmt.Errorf("no images to encode")
	}
	if len(req.ImagePaths) != len(req.Durations) {
		return fmt.Errorf("image/duration count mismatch: %d vs %d", len(req.ImagePaths), len(req.Durations))
	}

	listPath := filepath.Join(req.WorkDir, "concat.txt")
	if err := writeConcatList(listPath, req.ImagePaths, req.Durations); err != nil {
		return err
	}

	binary := e.BinaryPath
	if binary == "" {
		binary = "ffmpeg"
	}

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-vsync", "vfr",
		"-pix_fmt", "yuv420p",
		"-c:v", "libx264",
		"-r", "30",
		"-movflags", "+faststart",
		"-y",
		req.OutputPath,
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return &EncoderError{
			Diagnostic: TruncateDiagnostic(stderr.String()),
			Err:        err,
		}
	}
	return nil
}

// writeConcatList はconcat demuxerの入力リストを書き出す。
func writeConcatList(path string, imagePaths []string, durations []float64) error {
	var builder strings.Builder
	for i, imagePath := range imagePaths {
		fmt.Fprintf(&builder, "file '%s'\n", escapeConcatPath(imagePath))
		fmt.Fprintf(&builder, "duration %.3f\n", durations[i])
	}
	// 最後のフレームを再掲（durationなし）
	fmt.Fprintf(&builder, "file '%s'\n", escapeConcatPath(imagePaths[len(imagePaths)-1]))

	if err := os.WriteFile(path, []byte(builder.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write concat list: %w", err)
	}
	return nil
}

// escapeConcatPath はconcat listのシングルクォート内で安全なパスに変換する。
func escapeConcatPath(path string) string {
	return strings.ReplaceAll(path, "'", `'\''`)
}

// TruncateDiagnostic は診断出力を保存可能なサイズに切り詰める。
// 有用な情報は末尾に出ることが多いため、末尾を残す。
func TruncateDiagnostic(s string) string {
	if len(s) <= maxDiagnosticBytes {
		return s
	}
	return "..." + s[len(s)-maxDiagnosticBytes:]
}

// compile-time interface check
var _ Encoder = (*FFmpegEncoder)(nil)
