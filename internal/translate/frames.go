package translate

import "time"

// FrameInterval is one paint opportunity.
const FrameInterval = 16 * time.Millisecond

// FrameScheduler hands out the next paint opportunity. Streamed text is
// flushed into the output once per frame, never per chunk.
type FrameScheduler interface {
	Frame() <-chan time.Time
}

// TimerFrames fires Interval after each request.
type TimerFrames struct {
	Interval time.Duration
}

func (f TimerFrames) Frame() <-chan time.Time {
	interval := f.Interval
	if interval <= 0 {
		interval = FrameInterval
	}
	return time.After(interval)
}
