package usecase

import (
	"fmt"
	"math"

	"github.com/layerx/content-processing-service/internal/domain/entity"
)

// SelectFrames returns the 1-based source frame indices kept when sampling a
// sourceFps stream down to requestedFps.
func SelectFrames(requestedFps int, sourceFps float64, totalFrames int) ([]int, error) {
	if requestedFps <= 0 {
		return nil, fmt.Errorf("requested %d: %w", requestedFps, entity.ErrInvalidFrameRate)
	}
	if sourceFps <= 0 || math.IsNaN(sourceFps) || math.IsInf(sourceFps, 0) {
		return nil, fmt.Errorf("source %v: %w", sourceFps, entity.ErrInvalidFrameRate)
	}
	if totalFrames <= 0 {
		return []int{}, nil
	}

	div := int(sourceFps / float64(requestedFps))
	if div < 1 {
		frames := make([]int, totalFrames)
		for i := range frames {
			frames[i] = i + 1
		}
		return frames, nil
	}

	rounded := int(math.Round(sourceFps))
	mod := rounded % requestedFps
	frames := make([]int, 0, totalFrames/div+1)

	if mod == 0 {
		for i := div; i <= totalFrames; i += div {
			frames = append(frames, i)
		}
		return frames, nil
	}

	checker := rounded / mod
	if checker < 1 {
		checker = 1
	}
	count := 0
	for step := 0; ; step++ {
		if step > totalFrames {
			return nil, fmt.Errorf("frame selection did not converge after %d steps (source %v, requested %d)", step, sourceFps, requestedFps)
		}
		prev := count
		count += div
		for i := prev + 1; i <= count; i++ {
			if i%checker == 0 {
				count++
			}
		}
		if count > totalFrames {
			break
		}
		frames = append(frames, count)
	}
	return frames, nil
}

// ResumeFrom returns the part of seq left to process after lastProcessed.
// The boolean is false when nothing is left.
func ResumeFrom(lastProcessed int, seq []int) ([]int, bool, error) {
	if lastProcessed == 0 {
		return seq, true, nil
	}
	for i, f := range seq {
		if f != lastProcessed {
			continue
		}
		if i == len(seq)-1 {
			return []int{}, false, nil
		}
		return seq[i+1:], true, nil
	}
	return nil, false, fmt.Errorf("frame %d: %w", lastProcessed, entity.ErrResumePointNotFound)
}
