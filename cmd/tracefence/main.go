//go:build linux && arm64

// Package main implements the tracefence CLI.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Use-Tusk/tracefence/internal/diag"
	"github.com/Use-Tusk/tracefence/internal/policy"
	"github.com/Use-Tusk/tracefence/internal/superror"
	"github.com/Use-Tusk/tracefence/internal/supervisor"
)

// Build-time variables (set via -ldflags)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var (
	debug       bool
	policyPath  string
	envOverride []string
	showVersion bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tracefence [flags] -- target [args...]",
		Short: "Run a target process under ptrace-based syscall filtering",
		Long: `tracefence runs a target executable under ptrace supervision, attributing
every syscall to the object (the executable or shared library) whose code
issued it, and enforcing a per-object allow/block policy.

Examples:
  tracefence -- /usr/local/bin/static
  tracefence --policy policy.jsonc -- /usr/local/bin/dynamic arg1 arg2
  tracefence --debug --policy policy.jsonc -- /usr/local/bin/all-in-one

Policy file format (JSONC):
{
  "shared_objects": {
    "/usr/local/lib/libprintf_wrapper.so": {
      "allow": ["read"],
      "block": ["write", "connect"]
    }
  }
}`,
		RunE:          runTarget,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
	}

	rootCmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable per-event debug logging")
	rootCmd.Flags().StringVarP(&policyPath, "policy", "p", "", "Path to a JSONC policy file (default: no restrictions)")
	rootCmd.Flags().StringArrayVarP(&envOverride, "env", "e", nil, "Override an inherited environment variable (KEY=VALUE, repeatable)")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "Show version information")

	rootCmd.Flags().SetInterspersed(false)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(125)
	}
}

func runTarget(cmd *cobra.Command, args []string) error {
	if showVersion {
		fmt.Printf("tracefence - ptrace-based syscall-filtering sandbox supervisor\n")
		fmt.Printf("  Version: %s\n", version)
		fmt.Printf("  Built:   %s\n", buildTime)
		fmt.Printf("  Commit:  %s\n", gitCommit)
		return nil
	}

	if len(args) == 0 {
		return fmt.Errorf("no target specified. Use: tracefence [flags] -- target [args...]")
	}
	target, targetArgs := args[0], args[1:]

	var p *policy.Policy
	if policyPath != "" {
		loaded, err := policy.Load(policyPath)
		if err != nil {
			return reportAndExit(err)
		}
		p = loaded
	} else {
		p = policy.New()
	}

	env := mergeEnv(os.Environ(), envOverride)

	logger := diag.New(debug)
	exit, err := supervisor.ExecuteWithLogger(target, targetArgs, env, p, logger)
	if err != nil {
		return reportAndExit(err)
	}

	diag.Summary(logger, exit)
	os.Exit(exitCodeFor(exit))
	return nil
}

// mergeEnv applies KEY=VALUE overrides on top of a base environment,
// replacing any existing entry for the same key.
func mergeEnv(base []string, overrides []string) []string {
	if len(overrides) == 0 {
		return base
	}

	keys := make(map[string]string, len(overrides))
	for _, kv := range overrides {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			keys[k] = v
		}
	}

	merged := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(keys))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if v, ok := keys[k]; ok {
			merged = append(merged, k+"="+v)
			seen[k] = true
			continue
		}
		merged = append(merged, kv)
	}
	for k, v := range keys {
		if !seen[k] {
			merged = append(merged, k+"="+v)
		}
	}
	return merged
}

// exitCodeFor maps a ChildExit to the CLI's process exit code.
func exitCodeFor(exit supervisor.ChildExit) int {
	switch exit.Kind {
	case supervisor.Exited:
		return exit.ExitCode
	case supervisor.IllegalSyscall:
		return 126
	default:
		return 125
	}
}

// reportAndExit logs a fatal superror.Error (or a plain error if the load
// path failed before producing one) and terminates with the fatal-error
// exit code, rather than returning it through cobra's own error printer.
func reportAndExit(err error) error {
	var se *superror.Error
	if errors.As(err, &se) {
		diag.Fatal(diag.New(debug), se)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(125)
	return nil
}
