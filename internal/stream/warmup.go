package stream

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cataloglu/thermal-dual-vision/internal/types"
)

// WarmupStats contains statistics from the warm-up phase.
type WarmupStats struct {
	FramesReceived int
	Duration       time.Duration
	FPSMean        float64
	FPSStdDev      float64
	IsStable       bool
}

// Warmup consumes frames without inference for the given duration to measure
// the real delivery FPS before the sampling interval is derived. Frames are
// not lost to the ring buffer; the caller keeps writing them.
func Warmup(ctx context.Context, frames <-chan types.Frame, duration time.Duration, sink func(types.Frame)) (*WarmupStats, error) {
	slog.Info("warming up stream",
		"duration", duration,
		"reason", "measure real delivery FPS",
	)

	startTime := time.Now()
	frameTimes := make([]time.Time, 0, 128)

	warmupCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	for {
		select {
		case <-warmupCtx.Done():
			return analyzeWarmup(frameTimes, time.Since(startTime))
		case frame, ok := <-frames:
			if !ok {
				return nil, fmt.Errorf("stream closed during warm-up")
			}
			frameTimes = append(frameTimes, frame.Timestamp)
			if sink != nil {
				sink(frame)
			}
		}
	}
}

func analyzeWarmup(frameTimes []time.Time, elapsed time.Duration) (*WarmupStats, error) {
	n := len(frameTimes)
	if n < 2 {
		return nil, fmt.Errorf("not enough frames during warm-up (got %d)", n)
	}

	fpsMean := float64(n) / elapsed.Seconds()

	instantaneous := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		interval := frameTimes[i].Sub(frameTimes[i-1]).Seconds()
		if interval > 0 {
			instantaneous = append(instantaneous, 1.0/interval)
		}
	}

	var sumSquares float64
	for _, fps := range instantaneous {
		diff := fps - fpsMean
		sumSquares += diff * diff
	}
	var stddev float64
	if len(instantaneous) > 0 {
		stddev = math.Sqrt(sumSquares / float64(len(instantaneous)))
	}

	stats := &WarmupStats{
		FramesReceived: n,
		Duration:       elapsed,
		FPSMean:        fpsMean,
		FPSStdDev:      stddev,
		IsStable:       stddev < fpsMean*0.15,
	}

	slog.Info("stream warm-up complete",
		"frames", stats.FramesReceived,
		"fps_mean", fmt.Sprintf("%.2f", stats.FPSMean),
		"fps_stddev", fmt.Sprintf("%.2f", stats.FPSStdDev),
		"stable", stats.IsStable,
	)
	return stats, nil
}

// EffectiveInferenceRate clamps the configured inference rate to what the
// stream actually delivers.
func EffectiveInferenceRate(stats *WarmupStats, maxRate float64) float64 {
	if stats == nil || stats.FPSMean >= maxRate {
		return maxRate
	}
	return stats.FPSMean * 0.9
}
