// Package exec implements the Command Executor (C3): a single
// capability interface — shell, interactive shell, file I/O, existence
// checks, directory listing, identity — dispatched to one of three
// backends (local, mesh-agent, SSH) chosen by the Locality Resolver.
package exec

import (
	"context"
	"io"

	"github.com/scottdkey/halvor/pkg/types"
)

// Executor is the capability set every backend implements identically.
// Shell and Exec never return an error for a non-zero exit - callers
// inspect types.CommandResult.ExitCode. Returned errors mean the
// command could not be run at all (transport failure, spawn failure).
type Executor interface {
	// Shell runs cmd via "/bin/sh -c" (or equivalent), non-interactive,
	// with stdin closed, capturing output.
	Shell(ctx context.Context, cmd string) (types.CommandResult, error)
	// ShellTTY runs cmd under a pseudoterminal so escalation prompts
	// and progress bars render. Output streams to stdout/stderr rather
	// than being captured; callers that need the transcript must tee.
	ShellTTY(ctx context.Context, cmd string, stdin io.Reader, stdout, stderr io.Writer) error
	// Exec runs program directly, no shell, capturing output.
	Exec(ctx context.Context, program string, args ...string) (types.CommandResult, error)
	// ExecTTY runs program directly under a pseudoterminal, streaming.
	ExecTTY(ctx context.Context, program string, args []string, stdin io.Reader, stdout, stderr io.Writer) error

	ReadFile(ctx context.Context, path string) ([]byte, error)
	// WriteFile creates or replaces path. Privileged directories
	// (/etc, /usr/local/bin, /opt, /var/lib) are escalated to
	// transparently, using whatever Privilege Material the backend
	// carries.
	WriteFile(ctx context.Context, path string, data []byte) error
	MkdirAll(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	IsDir(ctx context.Context, path string) (bool, error)
	ListDir(ctx context.Context, path string) ([]string, error)

	Username(ctx context.Context) (string, error)
	Home(ctx context.Context) (string, error)
	UID(ctx context.Context) (int, error)
	GID(ctx context.Context) (int, error)

	// Backend identifies which concrete backend this handle is bound
	// to - fixed at construction, never re-homed.
	Backend() types.Backend
}

// privilegedPrefixes are the directories write_file escalates into
// transparently when the handle carries Privilege Material.
var privilegedPrefixes = []string{"/etc/", "/usr/local/bin/", "/opt/", "/var/lib/"}

// isPrivilegedPath reports whether path requires escalation to write.
func isPrivilegedPath(path string) bool {
	for _, prefix := range privilegedPrefixes {
		if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
