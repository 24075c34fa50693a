package flux

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Built-in nondeterministic primitives are modeled as tasks so their results
// are journaled and thus fixed at replay: the first execution records the
// value, every replay returns the recorded one.

// Now journals the current UTC time as an RFC 3339 string.
var Now = NewTask("flux.now", func(context.Context, *Call) (any, error) {
	return time.Now().UTC().Format(time.RFC3339Nano), nil
})

// UUID4 journals a random UUID string.
var UUID4 = NewTask("flux.uuid4", func(context.Context, *Call) (any, error) {
	return uuid.NewString(), nil
})

// RandInt journals a uniform random integer in [lo, hi].
var RandInt = NewTask("flux.randint", func(_ context.Context, call *Call) (any, error) {
	lo, err := intArg(call, 0)
	if err != nil {
		return nil, err
	}
	hi, err := intArg(call, 1)
	if err != nil {
		return nil, err
	}
	if hi < lo {
		return nil, fmt.Errorf("randint: hi %d < lo %d", hi, lo)
	}
	return lo + rand.Intn(hi-lo+1), nil // #nosec G404 -- journaled value, not security
})

// Choice journals a uniform random pick from its arguments.
var Choice = NewTask("flux.choice", func(_ context.Context, call *Call) (any, error) {
	if len(call.Args) == 0 {
		return nil, fmt.Errorf("choice: no options")
	}
	return call.Args[rand.Intn(len(call.Args))], nil // #nosec G404 -- journaled value, not security
})

// Sleep suspends the workflow for the given number of seconds, observing
// cooperative cancellation. Journaling makes replays skip the wait.
var Sleep = NewTask("flux.sleep", func(ctx context.Context, call *Call) (any, error) {
	secs, err := floatArg(call, 0)
	if err != nil {
		return nil, err
	}
	timer := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	}
})

func intArg(call *Call, i int) (int, error) {
	switch v := call.Arg(i).(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("argument %d: expected integer, got %T", i, v)
	}
}

func floatArg(call *Call, i int) (float64, error) {
	switch v := call.Arg(i).(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("argument %d: expected number, got %T", i, v)
	}
}
