package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"
	"github.com/thruflo/warden/internal/state"
)

var tasksEdit bool

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Show or edit the task list",
	Long: `Prints the session's task list. With --edit, opens tasks.json in $VISUAL or
$EDITOR; the edited list is validated, renumbered and saved, and the
environment picks it up on the next iteration.`,
	Args: cobra.NoArgs,
	RunE: runTasks,
}

func init() {
	addSessionFlag(tasksCmd)
	tasksCmd.Flags().BoolVarP(&tasksEdit, "edit", "e", false, "edit the task list")
	rootCmd.AddCommand(tasksCmd)
}

func runTasks(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	p, err := openProject()
	if err != nil {
		return err
	}
	s, err := p.session()
	if err != nil {
		return err
	}

	if tasksEdit {
		if err := editTasks(p.store, s.Branch); err != nil {
			return err
		}
	}

	tasks, err := p.store.LoadTasks(s.Branch)
	if err != nil {
		return err
	}
	if tasks == nil {
		fmt.Fprintf(out, "No task list yet; run 'warden plan --session %s'.\n", s.Branch)
		return nil
	}
	printTasks(out, tasks)
	return nil
}

// editTasks opens a copy of the task list in the operator's editor and saves
// the result once it validates. An invalid edit leaves tasks.json untouched.
func editTasks(store *state.Store, branch string) error {
	tasks, err := store.LoadTasks(branch)
	if err != nil {
		return err
	}
	if tasks == nil {
		tasks = []state.Task{}
	}
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp("", "warden-tasks-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := openEditor(tmp.Name()); err != nil {
		return err
	}

	data, err = os.ReadFile(tmp.Name())
	if err != nil {
		return err
	}
	var edited []state.Task
	if err := json.Unmarshal(data, &edited); err != nil {
		return fmt.Errorf("edited task list is not valid JSON: %w", err)
	}
	edited = state.NumberTasks(edited)
	if err := state.ValidateTasks(edited); err != nil {
		return fmt.Errorf("edited task list is invalid: %w", err)
	}
	return store.SaveTasks(branch, edited)
}

// editorCommand is the argv used to edit a file. Replaced in tests.
var editorCommand = func(path string) ([]string, error) {
	editor := os.Getenv("VISUAL")
	if editor == "" {
		editor = os.Getenv("EDITOR")
	}
	fields := strings.Fields(editor)
	if len(fields) == 0 {
		return nil, errors.New("set $EDITOR to edit the task list")
	}
	return append(fields, path), nil
}

func openEditor(path string) error {
	argv, err := editorCommand(path)
	if err != nil {
		return err
	}
	c := exec.Command(argv[0], argv[1:]...)
	c.Stdin = os.Stdin
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	if err := c.Run(); err != nil {
		return fmt.Errorf("editor failed: %w", err)
	}
	return nil
}
