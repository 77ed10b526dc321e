// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/sentinelstore/console/lib/version"
)

const binaryName = "sentinel-console"

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		printUsage(stderr)
		return fmt.Errorf("subcommand required")
	}

	subcommand, rest := args[0], args[1:]
	switch subcommand {
	case "login":
		return runLogin(rest, stdout)
	case "register":
		return runRegister(rest, stdout)
	case "logout":
		return runLogout(rest, stdout)
	case "whoami":
		return runWhoami(rest, stdout)
	case "chat":
		return runChat(rest, os.Stdin, stdout)
	case "keygen":
		return runKeygen(rest, stdout)
	case "version", "--version":
		version.Print(stdout, binaryName)
		return nil
	case "-h", "--help", "help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stderr)
		return fmt.Errorf("unknown subcommand: %q", subcommand)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage: %s <subcommand> [flags]

Subcommands:
  login      Sign in and persist the session
  register   Create an account and sign in
  logout     End the session and clear stored tokens
  whoami     Print the signed-in user
  chat       Open an interactive chat session
  keygen     Create an age identity for sealing the token file
  version    Print version information

Run '%s <subcommand> --help' for subcommand flags.
`, binaryName, binaryName)
}

// commonOptions are the flags every session-backed subcommand accepts.
type commonOptions struct {
	configPath string
	logLevel   string
}

func (o *commonOptions) addFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&o.configPath, "config", "", "config file (default: $SENTINEL_CONFIG, then built-in defaults)")
	flagSet.StringVar(&o.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
}

// parseFlags parses args and reports whether the caller should stop
// because help was printed.
func parseFlags(flagSet *pflag.FlagSet, args []string, stdout io.Writer) (bool, error) {
	flagSet.SetOutput(stdout)
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return true, nil
		}
		return false, err
	}
	if extra := flagSet.Args(); len(extra) > 0 {
		return false, fmt.Errorf("unexpected argument: %s", extra[0])
	}
	return false, nil
}
