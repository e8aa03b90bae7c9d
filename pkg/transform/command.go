package transform

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path"
	"strings"
)

// CommandOptions configures Command
type CommandOptions struct {
	// Command line run once per file, with the file on stdin
	Command string
	// Dir is the working directory, usually the project root
	Dir string
	// Ext, when set, replaces the extension of each output file
	Ext string
}

// Command pipes each file through an external program. The program's
// stdout replaces the file contents; a non-zero exit fails the transform.
func Command(opts CommandOptions) Transform {
	return perFile{name: "command", fn: func(ctx context.Context, f File) (File, error) {
		cmd := createCommand(ctx, opts.Command)
		cmd.Dir = opts.Dir
		cmd.Stdin = bytes.NewReader(f.Contents)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return f, ctx.Err()
			}
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				return f, fmt.Errorf("%s: %w", opts.Command, err)
			}
			return f, fmt.Errorf("%s: %w\n%s", opts.Command, err, msg)
		}

		f.Contents = stdout.Bytes()
		if opts.Ext != "" && path.Ext(f.Path) != opts.Ext {
			f = f.WithExt(opts.Ext)
		}
		return f, nil
	}}
}

// createCommand creates an exec.Cmd from a command string
func createCommand(ctx context.Context, command string) *exec.Cmd {
	if strings.ContainsAny(command, "&|;<>$`'\"") {
		// Complex command - use shell
		return exec.CommandContext(ctx, "sh", "-c", command)
	}

	parts := strings.Fields(command)
	if len(parts) == 0 {
		return exec.CommandContext(ctx, "sh", "-c", command)
	}
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}
