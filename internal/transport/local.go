package transport

import (
	"fmt"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"

	"github.com/mcp-hub/gateway/internal/config"
	"github.com/mcp-hub/gateway/internal/gatewayerr"
)

// newLocalClient spawns the configured command as a child process and
// speaks newline-delimited JSON-RPC over its stdin/stdout (spec §4.1's
// LOCAL transport). mcp-go's stdio client owns the subprocess lifecycle;
// Close() terminates the process tree.
func newLocalClient(cfg *config.BackendConfig, logger Logger) (Client, error) {
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	command, args := cfg.Command, cfg.Args
	if cfg.Cwd != "" {
		command, args = wrapWithCwd(cfg.Cwd, cfg.Command, cfg.Args)
	}

	inner, err := mcpclient.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, gatewayerr.Transport("transport.newLocalClient", gatewayerr.ReasonConnectFailed, err)
	}
	// stdio transport starts reading/writing immediately; no explicit Start.
	return newMCPGoClient(cfg.Name, inner, false, logger), nil
}

// wrapWithCwd rewraps command/args so the child starts in dir. mcp-go's
// NewStdioMCPClient takes only command, env and args — it spawns the
// child with the gateway's own working directory and exposes no cwd
// parameter or *exec.Cmd accessor to set one after construction. Shelling
// out via `cd` keeps the gateway on mcp-go's own stdio constructor instead
// of reimplementing subprocess/pipe plumbing mcp-go already owns.
func wrapWithCwd(dir, command string, args []string) (string, []string) {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(command))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	script := fmt.Sprintf("cd %s && exec %s", shellQuote(dir), strings.Join(parts, " "))
	return "/bin/sh", []string{"-c", script}
}

// shellQuote wraps s in single quotes for safe use inside a /bin/sh -c
// script, escaping any single quote it contains.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
