package progress

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

const stepBarWidth = 20

// StepBar displays how many sampling steps of a generation are done. Set may
// be called from another goroutine than the one rendering.
type StepBar struct {
	message string
	total   int
	current atomic.Int64
	started time.Time
}

func NewStepBar(message string, total int) *StepBar {
	return &StepBar{message: message, total: total, started: time.Now()}
}

func (s *StepBar) Set(current int) {
	s.current.Store(int64(current))
}

func (s *StepBar) String() string {
	current := min(int(s.current.Load()), s.total)

	var ratio float64
	if s.total > 0 {
		ratio = float64(current) / float64(s.total)
	}
	filled := int(ratio * stepBarWidth)

	// "run 0   50% ▕██████████          ▏ 4/8 12.0 it/s"
	line := fmt.Sprintf("%s %3.0f%% ▕%s%s▏ %d/%d",
		s.message, ratio*100,
		strings.Repeat("█", filled), strings.Repeat(" ", stepBarWidth-filled),
		current, s.total)

	if elapsed := time.Since(s.started).Seconds(); current > 0 && elapsed > 0 {
		line += fmt.Sprintf(" %.1f it/s", float64(current)/elapsed)
	}
	return line
}
