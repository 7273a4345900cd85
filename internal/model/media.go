package model

import "time"

// MediaKind はメディアアイテムの種別を表す。
type MediaKind string

const (
	MediaKindImage MediaKind = "image"
	MediaKindVideo MediaKind = "video"
)

// MediaItem はMediaSet内の1アセットを表す。
type MediaItem struct {
	// Ref はアセットの参照（ローカルパスまたはHTTPS URL）。
	Ref  string
	Kind MediaKind
	// DurationMS はスライドショーでの表示時間（ミリ秒）。画像のみ有効。
	DurationMS int
	SizeBytes  int64
}

// MediaSet は公開対象メディアの順序付き集合を表す。
// 有効な形は「動画1本」または「画像2〜10枚」のいずれか。
// 動画と画像の混在は不正。
type MediaSet struct {
	Items []MediaItem
}

// IsVideo はセットが動画1本で構成されるかを返す。
func (m MediaSet) IsVideo() bool {
	return len(m.Items) == 1 && m.Items[0].Kind == MediaKindVideo
}

// ConversionState はスライドショー変換ジョブの状態を表す。
type ConversionState string

const (
	ConversionStatePending ConversionState = "pending"
	ConversionStateRunning ConversionState = "running"
	ConversionStateReady   ConversionState = "ready"
	ConversionStateFailed  ConversionState = "failed"
)

// ConversionJob は1回のスライドショー変換を追跡する。
// 画像メディアを持つScheduledPostと1対1。動画ネイティブな投稿には存在しない。
type ConversionJob struct {
	ID     string
	PostID string
	Media  MediaSet
	State  ConversionState

	// OutputPath は完成した動画アーティファクトのパス。readyのとき有効。
	OutputPath string
	// WorkDir は中間ファイル用の作業ディレクトリ。終了時に必ず削除される。
	WorkDir string
	// ErrorDetail は変換ツールの診断出力（切り詰め済み）。failedのとき有効。
	ErrorDetail string

	CreatedAt time.Time
	UpdatedAt time.Time
}
