// Package publisher はプラットフォームの公開APIクライアントを提供する。
package publisher

import (
	"crypto/sha256"
	"encoding/hex"
)

// IdempotencyKey は(投稿, アカウント)ペアから決定的な冪等キーを導出する。
// 同じペアへの再試行では常に同じキーが送信され、プラットフォーム側で
// 二重公開を抑止できる。
func IdempotencyKey(postID, accountID string) string {
	sum := sha256.Sum256([]byte(postID + ":" + accountID))
	return hex.EncodeToString(sum[:])
}
