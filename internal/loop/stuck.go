package loop

import "github.com/thruflo/warden/internal/state"

// IsStuck reports whether the last threshold history entries all record the
// same number of completed tasks. Outcome status plays no part.
func IsStuck(history []state.History, threshold int) bool {
	if threshold <= 0 || len(history) < threshold {
		return false
	}

	recent := history[len(history)-threshold:]
	first := recent[0].TasksCompleted
	for _, entry := range recent[1:] {
		if entry.TasksCompleted != first {
			return false
		}
	}
	return true
}

// HistorySince returns the entries recorded after iteration baseline.
func HistorySince(history []state.History, baseline int) []state.History {
	if baseline <= 0 {
		return history
	}
	for i, entry := range history {
		if entry.Iteration > baseline {
			return history[i:]
		}
	}
	return nil
}

// CalculateProgress returns the number of tasks completed and total tasks.
func CalculateProgress(tasks []state.Task) (completed, total int) {
	return state.CompletedCount(tasks), len(tasks)
}

// ProgressRate returns tasks completed per iteration over the last window
// entries of history.
func ProgressRate(history []state.History, window int) float64 {
	if window > len(history) {
		window = len(history)
	}
	if window < 2 {
		return 0
	}

	recent := history[len(history)-window:]
	gained := recent[len(recent)-1].TasksCompleted - recent[0].TasksCompleted
	return float64(gained) / float64(len(recent)-1)
}
