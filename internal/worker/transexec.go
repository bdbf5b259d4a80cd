package worker

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// RunPostExec runs the optional per-file post-exec command, substituting
// `%s` with the transferred file's path and `%h` with the destination
// host's alias. A non-zero exit is logged but never fails the transfer
// itself — the file has already been sent successfully by this point.
func RunPostExec(ctx context.Context, cmdTemplate, filePath, hostAlias string, timeout time.Duration) error {
	if cmdTemplate == "" {
		return nil
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := expandTemplate(cmdTemplate, filePath, hostAlias)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("worker: post-exec %q: %w", cmdTemplate, err)
	}
	return nil
}

// expandTemplate splits a command template on whitespace and substitutes
// any "%s" token with path and any "%h" token with host. No shell
// metacharacter support: the template names a binary and literal
// arguments directly.
func expandTemplate(template, path, host string) []string {
	var args []string
	start := 0
	for i := 0; i <= len(template); i++ {
		if i == len(template) || template[i] == ' ' {
			if i > start {
				tok := template[start:i]
				switch tok {
				case "%s":
					tok = path
				case "%h":
					tok = host
				}
				args = append(args, tok)
			}
			start = i + 1
		}
	}
	if len(args) == 0 {
		args = []string{template}
	}
	return args
}
