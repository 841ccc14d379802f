// Package engine holds what the execution engines share: the state enum and
// a context-aware sleep.
package engine

import (
	"context"
	"time"
)

// State of the execution state machine.
type State int

const (
	StateInit State = iota
	StateAwaitingSession
	StateEnteringPosition
	StateBucketLoop
	StateDone
	StateError
	StateLiquidateAll
)

var stateNames = [...]string{
	StateInit:             "INIT",
	StateAwaitingSession:  "AWAITING_SESSION",
	StateEnteringPosition: "ENTERING_POSITION",
	StateBucketLoop:       "BUCKET_LOOP",
	StateDone:             "DONE",
	StateError:            "ERROR",
	StateLiquidateAll:     "LIQUIDATE_ALL",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Terminal reports whether the machine stops in s.
func (s State) Terminal() bool {
	return s == StateDone
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in that case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
