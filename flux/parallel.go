package flux

import (
	"sort"
	"sync"
)

// ParallelCall names one task invocation inside a Parallel group.
type ParallelCall struct {
	Task   *TaskDef
	Args   []any
	Kwargs map[string]any
}

// Par is shorthand for building a ParallelCall with positional arguments.
func Par(task *TaskDef, args ...any) ParallelCall {
	return ParallelCall{Task: task, Args: args}
}

// Parallel invokes the calls as cooperative subtasks of the same logical
// thread of control. Invocations are registered in order — each receives its
// stable source ID before any body runs — while their bodies interleave;
// individual events journal in completion order through the context's single
// event-log writer, so replay resolves every call deterministically by
// source ID.
//
// The join returns results in call order. When inner tasks fail, the first
// failure by journal sequence wins; siblings already scheduled run to
// completion (their events are journaled) and their results are discarded.
func Parallel(c *Context, calls ...ParallelCall) ([]any, error) {
	if len(calls) == 0 {
		return nil, nil
	}

	// Source IDs are assigned serially up front so sibling interleaving can
	// never perturb them.
	sourceIDs := make([]string, len(calls))
	for i, call := range calls {
		sourceIDs[i] = c.nextSourceID(call.Task.Name)
	}

	type outcome struct {
		idx   int
		value any
		err   error
		seq   int64 // journal seq of the terminal failure, for ordering
	}

	results := make([]any, len(calls))
	outcomes := make([]outcome, 0, len(calls))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, sourceID string, call ParallelCall) {
			defer wg.Done()
			value, err := c.invokeAt(sourceID, call.Task, call.Args, call.Kwargs)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				outcomes = append(outcomes, outcome{idx: idx, err: err, seq: lastSeqFor(c, sourceID)})
				return
			}
			results[idx] = value
		}(i, sourceIDs[i], call)
	}
	wg.Wait()

	if len(outcomes) > 0 {
		sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].seq < outcomes[j].seq })
		return nil, outcomes[0].err
	}
	return results, nil
}

// Map invokes the task once per element, each with a distinct source ID
// indexed by element position; semantics are otherwise identical to Invoke.
func Map(c *Context, task *TaskDef, elems []any) ([]any, error) {
	results := make([]any, 0, len(elems))
	for _, elem := range elems {
		v, err := c.Invoke(task, elem)
		if err != nil {
			return nil, err
		}
		results = append(results, v)
	}
	return results, nil
}

func lastSeqFor(c *Context, sourceID string) int64 {
	history := c.historyFor(sourceID)
	if len(history) == 0 {
		return 0
	}
	return history[len(history)-1].Seq
}
