package lyra

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Now is the clock used for lease timestamps and elapsed-time checks. Tests may swap it.
var Now = time.Now

var (
	jitterMu  sync.Mutex
	jitterRNG = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// SetJitterRNG overrides the RNG used for sleep jitter. Useful for deterministic tests.
func SetJitterRNG(r *rand.Rand) {
	if r == nil {
		return
	}
	jitterMu.Lock()
	jitterRNG = r
	jitterMu.Unlock()
}

// ErrTimeout reports an operation that ran past its allotted time.
type ErrTimeout struct {
	Name    string
	MaxTime time.Duration
	Cause   error
}

func (e ErrTimeout) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s timed out(maxTime=%v): %v", e.Name, e.MaxTime, e.Cause)
	}
	return fmt.Sprintf("%s timed out(maxTime=%v)", e.Name, e.MaxTime)
}

func (e ErrTimeout) Unwrap() error {
	return e.Cause
}

// TimedOut returns an ErrTimeout if the context is done or if the time elapsed since
// startTime exceeds maxTime. maxTime <= 0 disables the elapsed check.
func TimedOut(ctx context.Context, name string, startTime time.Time, maxTime time.Duration) error {
	if err := ctx.Err(); err != nil {
		return ErrTimeout{Name: name, MaxTime: maxTime, Cause: err}
	}
	if maxTime > 0 && Now().Sub(startTime) > maxTime {
		return ErrTimeout{Name: name, MaxTime: maxTime}
	}
	return nil
}

// RandomSleepWithUnit sleeps for a random multiple (1..4) of unit. Used to stagger
// competing lease writers.
func RandomSleepWithUnit(ctx context.Context, unit time.Duration) {
	jitterMu.Lock()
	m := time.Duration(jitterRNG.Intn(4) + 1)
	jitterMu.Unlock()
	st := m * unit
	slog.Log(ctx, LevelTrace, "sleep jitter", "multiplier", int(m), "unit", unit, "duration", st)
	Sleep(ctx, st)
}

// Sleep blocks for the specified duration or until the context is done, whichever happens first.
func Sleep(ctx context.Context, sleepTime time.Duration) {
	if sleepTime <= 0 {
		return
	}
	sleep, cancel := context.WithTimeout(ctx, sleepTime)
	defer cancel()
	<-sleep.Done()
}
