// Package publish は予約投稿のバックグラウンド公開処理を提供する。
// スケジューラ、ワーカープール、リトライ/バックオフ戦略を含む。
package publish

import (
	"math/rand"
	"time"
)

const (
	// defaultBackoffBase は指数バックオフの初回遅延。
	defaultBackoffBase = time.Second
	// defaultBackoffCap は指数バックオフの最大遅延。
	defaultBackoffCap = 10 * time.Minute
	// jitterFraction はバックオフに加えるジッタの割合（±20%）。
	jitterFraction = 0.2
)

// CalculateBackoff はリトライ回数に基づいて指数バックオフ遅延を計算する。
// 初回base、2倍ずつ増加、最大maxDelay。
func CalculateBackoff(retryCount int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if maxDelay <= 0 {
		maxDelay = defaultBackoffCap
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay > maxDelay {
			return maxDelay
		}
	}
	return delay
}

// WithJitter は遅延に±20%のジッタを加える。
// 複数ターゲットが同時に失敗したときの再試行集中を避ける。
func WithJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return delay
	}
	jitter := 1 + jitterFraction*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * jitter)
}

// NextAttemptAt はリトライ回数に応じた次回試行時刻を返す。
func NextAttemptAt(now time.Time, retryCount int, base, maxDelay time.Duration) time.Time {
	return now.Add(WithJitter(CalculateBackoff(retryCount, base, maxDelay)))
}
