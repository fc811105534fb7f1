package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcome_Normalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       Outcome
		want     Outcome
		warnings int
	}{
		{
			name: "valid continue",
			in:   Outcome{Status: "CONTINUE", Summary: "did a thing"},
			want: Outcome{Status: StatusContinue, Summary: "did a thing"},
		},
		{
			name: "lowercase status",
			in:   Outcome{Status: " done "},
			want: Outcome{Status: StatusDone},
		},
		{
			name:     "unknown status",
			in:       Outcome{Status: "FINISHED", Summary: "s"},
			want:     Outcome{Status: StatusContinue, Summary: "s"},
			warnings: 1,
		},
		{
			name:     "empty status",
			in:       Outcome{},
			want:     Outcome{Status: StatusContinue},
			warnings: 1,
		},
		{
			name: "needs input with question",
			in:   Outcome{Status: StatusNeedsInput, Question: "Which DB?"},
			want: Outcome{Status: StatusNeedsInput, Question: "Which DB?"},
		},
		{
			name:     "needs input without question",
			in:       Outcome{Status: StatusNeedsInput, Question: "  "},
			want:     Outcome{Status: StatusNeedsInput, Question: PlaceholderQuestion},
			warnings: 1,
		},
		{
			name:     "blocked without error",
			in:       Outcome{Status: StatusBlocked},
			want:     Outcome{Status: StatusBlocked, Error: PlaceholderError},
			warnings: 1,
		},
		{
			name:     "stray fields dropped",
			in:       Outcome{Status: StatusContinue, Question: "q", Error: "e"},
			want:     Outcome{Status: StatusContinue},
			warnings: 2,
		},
		{
			name:     "error on needs input dropped",
			in:       Outcome{Status: StatusNeedsInput, Question: "q", Error: "e"},
			want:     Outcome{Status: StatusNeedsInput, Question: "q"},
			warnings: 1,
		},
		{
			name: "verification method lowercased",
			in:   Outcome{Status: StatusContinue, Verification: &Verification{Method: " Tests ", Passed: true}},
			want: Outcome{Status: StatusContinue, Verification: &Verification{Method: VerificationTests, Passed: true}},
		},
		{
			name:     "unknown verification method",
			in:       Outcome{Status: StatusContinue, Verification: &Verification{Method: "vibes", Details: "looked fine"}},
			want:     Outcome{Status: StatusContinue, Verification: &Verification{Method: VerificationNone, Details: "looked fine"}},
			warnings: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in
			warnings := got.Normalize()
			assert.Equal(t, tt.want, got)
			assert.Len(t, warnings, tt.warnings)
		})
	}
}

func TestValidateTasks(t *testing.T) {
	t.Parallel()

	valid := []Task{
		{ID: 1, Category: CategorySetup, Description: "scaffold"},
		{ID: 2, Description: "no category is fine"},
	}
	require.NoError(t, ValidateTasks(valid))
	require.NoError(t, ValidateTasks(nil))

	tests := map[string][]Task{
		"zero id":          {{ID: 0, Description: "x"}},
		"duplicate id":     {{ID: 1, Description: "x"}, {ID: 1, Description: "y"}},
		"empty desc":       {{ID: 1, Description: " "}},
		"unknown category": {{ID: 1, Description: "x", Category: "chore"}},
	}
	for name, tasks := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, ValidateTasks(tasks))
		})
	}
}

func TestNumberTasks(t *testing.T) {
	t.Parallel()

	unnumbered := []Task{{Description: "a"}, {Description: "b"}}
	numbered := NumberTasks(unnumbered)
	assert.Equal(t, 1, numbered[0].ID)
	assert.Equal(t, 2, numbered[1].ID)
	assert.Zero(t, unnumbered[0].ID)

	explicit := []Task{{ID: 7, Description: "a"}, {Description: "b"}}
	assert.Equal(t, explicit, NumberTasks(explicit))
}

func TestMergeTasks(t *testing.T) {
	t.Parallel()

	local := []Task{
		{ID: 1, Description: "a", Passes: true},
		{ID: 2, Description: "b", Passes: false},
		{ID: 3, Description: "c", Passes: true},
	}
	pulled := []Task{
		{ID: 1, Description: "a", Passes: false},
		{ID: 2, Description: "b", Passes: true},
		{ID: 3, Description: "c", Passes: true},
		{ID: 4, Description: "d", Passes: false},
	}

	merged, warnings := MergeTasks(local, pulled)

	require.Len(t, merged, 3, "tasks only in the pulled list are ignored")
	assert.True(t, merged[0].Passes, "passing task must not regress")
	assert.True(t, merged[1].Passes)
	assert.True(t, merged[2].Passes)
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0], "task 1")
	assert.Contains(t, warnings[1], "task 4")
	assert.False(t, pulled[0].Passes, "input must not be mutated")
	assert.False(t, local[1].Passes, "input must not be mutated")
}

func TestMergeTasks_KeepsMissingTasks(t *testing.T) {
	t.Parallel()

	local := []Task{
		{ID: 1, Description: "a"},
		{ID: 2, Description: "b"},
	}
	pulled := []Task{{ID: 1, Description: "changed by the agent", Passes: true}}

	merged, warnings := MergeTasks(local, pulled)

	assert.Equal(t, []Task{
		{ID: 1, Description: "a", Passes: true},
		{ID: 2, Description: "b"},
	}, merged)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "task 2 is missing")
	assert.False(t, AllPassing(merged))

	merged, _ = MergeTasks(nil, pulled)
	assert.Empty(t, merged)
}

func TestCompletedCountAndAllPassing(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, CompletedCount(nil))
	assert.False(t, AllPassing(nil))
	assert.False(t, AllPassing([]Task{}))

	tasks := []Task{{ID: 1, Passes: true}, {ID: 2}}
	assert.Equal(t, 1, CompletedCount(tasks))
	assert.False(t, AllPassing(tasks))

	tasks[1].Passes = true
	assert.True(t, AllPassing(tasks))
}

func TestNoNewInformation(t *testing.T) {
	t.Parallel()

	o := NoNewInformation("state.json missing")
	assert.Equal(t, StatusContinue, o.Status)
	assert.Contains(t, o.Summary, "state.json missing")
	assert.Empty(t, o.Normalize())
}
