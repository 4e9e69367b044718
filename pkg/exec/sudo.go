package exec

import (
	"strings"

	"github.com/scottdkey/halvor/pkg/types"
)

// injectSudo centralizes privilege injection for all three backends.
// The mesh-agent server runs commands under the agent's own identity,
// so the mesh-agent backend sends the rewritten pipeline as part of
// the command it forwards. When cmd contains the token
// "sudo " and priv carries a password, the command is rewritten to
// pipe the password to sudo on stdin. Callers that never write "sudo "
// are passed through unchanged.
func injectSudo(cmd string, priv *types.PrivilegeMaterial) string {
	if !priv.HasPrivilege() || !strings.Contains(cmd, "sudo ") {
		return cmd
	}

	sudoFlags := "-S"
	if priv.SudoTarget != "" {
		sudoFlags = "-S -u " + shellQuote(priv.SudoTarget)
	}

	rewritten := strings.Replace(cmd, "sudo ", "sudo "+sudoFlags+" ", 1)
	return "echo " + shellQuote(priv.Password) + " | " + rewritten
}

// shellQuote single-quotes s for safe interpolation into a "/bin/sh -c"
// string, escaping any embedded single quotes. An empty string is
// still quoted ('') rather than omitted.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
