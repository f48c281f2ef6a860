// Package main is the entry point for the ai-run binary.
// It delegates immediately to the CLI command tree.
package main

import (
	"context"
	"os"

	"github.com/neoclaw-ai/aisandbox/internal/cli"
	"github.com/neoclaw-ai/aisandbox/internal/failure"
	"github.com/neoclaw-ai/aisandbox/internal/logging"
)

func main() {
	if err := cli.NewRootCmd().ExecuteContext(context.Background()); err != nil {
		// The sandboxed command's own exit code passes through unlogged.
		if code, ok := failure.ProcessExitCode(err); ok {
			os.Exit(code)
		}
		logging.Logger().Error("fatal error", "err", err)
		os.Exit(1)
	}
}
