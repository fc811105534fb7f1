package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/thruflo/warden/internal/lease"
	"github.com/thruflo/warden/internal/session"
	"golang.org/x/term"
)

var (
	flagReuse    bool
	flagRecreate bool
)

// existingPolicy turns --reuse/--recreate into a policy.
func existingPolicy(reuse, recreate bool) (session.ExistingPolicy, error) {
	switch {
	case reuse && recreate:
		return session.PolicyAsk, errors.New("--reuse and --recreate are mutually exclusive")
	case reuse:
		return session.PolicyReuse, nil
	case recreate:
		return session.PolicyRecreate, nil
	}
	return session.PolicyAsk, nil
}

// stdinConfirm asks on the terminal; it returns nil when stdin is not one.
func stdinConfirm(out io.Writer) func(*lease.Lease) (session.ExistingPolicy, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil
	}
	return confirmExisting(os.Stdin, out)
}

// confirmExisting asks the operator what to do about a session another
// process holds. Any answer other than reuse or recreate aborts.
func confirmExisting(in io.Reader, out io.Writer) func(*lease.Lease) (session.ExistingPolicy, error) {
	reader := bufio.NewReader(in)
	return func(holder *lease.Lease) (session.ExistingPolicy, error) {
		fmt.Fprintf(out, "This session is already running (held by %s, lease expires %s).\n",
			holder.Owner, humanize.Time(holder.ExpiresAt))
		fmt.Fprint(out, "[r]euse the environment, re[c]reate it, or [a]bort? ")

		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return session.PolicyAsk, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "r", "reuse":
			return session.PolicyReuse, nil
		case "c", "recreate":
			return session.PolicyRecreate, nil
		}
		return session.PolicyAsk, nil
	}
}

// relative renders t as "3 minutes ago"; zero times render as "-".
func relative(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}
