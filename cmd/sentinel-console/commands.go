// Copyright 2026 The SentinelStore Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/sentinelstore/console/auth"
	"github.com/sentinelstore/console/lib/config"
	"github.com/sentinelstore/console/lib/sealed"
	"github.com/sentinelstore/console/lib/secret"
)

func runLogin(args []string, stdout io.Writer) error {
	var (
		options      commonOptions
		username     string
		passwordFile string
	)
	flagSet := pflag.NewFlagSet("login", pflag.ContinueOnError)
	options.addFlags(flagSet)
	flagSet.StringVarP(&username, "username", "u", "", "account username (required)")
	flagSet.StringVar(&passwordFile, "password-file", "", "read the password from this file instead of prompting")
	if done, err := parseFlags(flagSet, args, stdout); done || err != nil {
		return err
	}
	if username == "" {
		return fmt.Errorf("--username is required")
	}

	password, err := readPassword(passwordFile, false)
	if err != nil {
		return err
	}
	defer password.Close()

	env, err := setup(options)
	if err != nil {
		return err
	}
	defer env.Close()

	user, err := env.session.Login(context.Background(), username, password)
	if err != nil {
		env.logger.Debug("login failed", "error", err)
		return fmt.Errorf("login: %s", auth.UserMessage(err))
	}
	fmt.Fprintf(stdout, "Signed in as %s (%s)\n", user.Username, describeRole(user))
	return nil
}

func runRegister(args []string, stdout io.Writer) error {
	var (
		options      commonOptions
		request      auth.RegisterRequest
		passwordFile string
	)
	flagSet := pflag.NewFlagSet("register", pflag.ContinueOnError)
	options.addFlags(flagSet)
	flagSet.StringVarP(&request.Username, "username", "u", "", "account username (required)")
	flagSet.StringVar(&request.Email, "email", "", "email address (required)")
	flagSet.StringVar(&request.FullName, "full-name", "", "display name")
	flagSet.StringVar(&request.Role, "role", "", "role, e.g. staff or manager (server default when empty)")
	flagSet.StringVar(&request.StoreID, "store", "", "store the account belongs to (required)")
	flagSet.StringVar(&passwordFile, "password-file", "", "read the password from this file instead of prompting")
	if done, err := parseFlags(flagSet, args, stdout); done || err != nil {
		return err
	}
	for _, required := range []struct{ flag, value string }{
		{"--username", request.Username},
		{"--email", request.Email},
		{"--store", request.StoreID},
	} {
		if required.value == "" {
			return fmt.Errorf("%s is required", required.flag)
		}
	}

	password, err := readPassword(passwordFile, true)
	if err != nil {
		return err
	}
	defer password.Close()
	request.Password = password

	env, err := setup(options)
	if err != nil {
		return err
	}
	defer env.Close()

	user, err := env.session.Register(context.Background(), request)
	if err != nil {
		env.logger.Debug("registration failed", "error", err)
		return fmt.Errorf("register: %s", auth.UserMessage(err))
	}
	fmt.Fprintf(stdout, "Registered and signed in as %s (%s)\n", user.Username, describeRole(user))
	return nil
}

func runLogout(args []string, stdout io.Writer) error {
	var options commonOptions
	flagSet := pflag.NewFlagSet("logout", pflag.ContinueOnError)
	options.addFlags(flagSet)
	if done, err := parseFlags(flagSet, args, stdout); done || err != nil {
		return err
	}

	env, err := setup(options)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := context.Background()
	env.session.Restore(ctx)
	env.session.Logout(ctx)
	fmt.Fprintln(stdout, "Signed out")
	return nil
}

func runWhoami(args []string, stdout io.Writer) error {
	var (
		options    commonOptions
		jsonOutput bool
	)
	flagSet := pflag.NewFlagSet("whoami", pflag.ContinueOnError)
	options.addFlags(flagSet)
	flagSet.BoolVar(&jsonOutput, "json", false, "print the user as JSON")
	if done, err := parseFlags(flagSet, args, stdout); done || err != nil {
		return err
	}

	env, err := setup(options)
	if err != nil {
		return err
	}
	defer env.Close()

	user, err := env.restore(context.Background())
	if err != nil {
		return err
	}
	if jsonOutput {
		encoder := json.NewEncoder(stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(user)
	}
	printUser(stdout, user)
	return nil
}

func printUser(w io.Writer, user *auth.User) {
	fmt.Fprintf(w, "Username:  %s\n", user.Username)
	if user.FullName != "" {
		fmt.Fprintf(w, "Name:      %s\n", user.FullName)
	}
	fmt.Fprintf(w, "Email:     %s\n", user.Email)
	fmt.Fprintf(w, "Role:      %s\n", describeRole(user))
	fmt.Fprintf(w, "Store:     %s\n", user.StoreID)
}

func describeRole(user *auth.User) string {
	if user.Role == "" {
		return "no role"
	}
	return user.Role
}

// runKeygen writes a new age identity for storage.seal_identity_file
// and prints its recipient.
func runKeygen(args []string, stdout io.Writer) error {
	var (
		options commonOptions
		output  string
		force   bool
	)
	flagSet := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	options.addFlags(flagSet)
	flagSet.StringVarP(&output, "output", "o", "", "identity file to write (default: storage.seal_identity_file)")
	flagSet.BoolVar(&force, "force", false, "overwrite an existing identity file")
	if done, err := parseFlags(flagSet, args, stdout); done || err != nil {
		return err
	}

	if output == "" {
		cfg, err := loadConfig(options)
		if err != nil {
			return err
		}
		output = cfg.Storage.SealIdentityFile
	}
	if output == "" {
		return fmt.Errorf("--output is required when storage.seal_identity_file is not configured")
	}
	if _, err := os.Stat(output); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to replace it; the existing token file will no longer open)", output)
	}

	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return err
	}
	defer keypair.Close()

	if err := os.MkdirAll(filepath.Dir(output), 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(output), err)
	}
	contents := make([]byte, 0, keypair.Identity.Len()+1)
	contents = append(contents, keypair.Identity.Bytes()...)
	contents = append(contents, '\n')
	defer secret.Zero(contents)
	if err := os.WriteFile(output, contents, 0o600); err != nil {
		return fmt.Errorf("writing identity: %w", err)
	}
	fmt.Fprintf(stdout, "Wrote identity to %s\nRecipient: %s\n", output, keypair.Recipient)
	fmt.Fprintf(stdout, "Set storage.backend to %q and storage.seal_identity_file to this path.\n", config.StorageFile)
	return nil
}

// readPassword reads from passwordFile, or prompts on the terminal
// with echo disabled. With confirm, the prompt asks twice.
func readPassword(passwordFile string, confirm bool) (*secret.Buffer, error) {
	if passwordFile != "" && passwordFile != "-" {
		return secret.ReadFile(passwordFile)
	}

	stdinFileDescriptor := int(os.Stdin.Fd())
	if !term.IsTerminal(stdinFileDescriptor) {
		return nil, fmt.Errorf("no terminal available for the password prompt (use --password-file)")
	}

	password, err := promptSecret(stdinFileDescriptor, "Password: ")
	if err != nil {
		return nil, err
	}
	if !confirm {
		return password, nil
	}

	again, err := promptSecret(stdinFileDescriptor, "Confirm password: ")
	if err != nil {
		password.Close()
		return nil, err
	}
	defer again.Close()
	if password.String() != again.String() {
		password.Close()
		return nil, fmt.Errorf("passwords do not match")
	}
	return password, nil
}

func promptSecret(fileDescriptor int, prompt string) (*secret.Buffer, error) {
	fmt.Fprint(os.Stderr, prompt)
	data, err := term.ReadPassword(fileDescriptor)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("password is empty")
	}
	buffer, err := secret.NewFromBytes(data)
	if err != nil {
		secret.Zero(data)
		return nil, err
	}
	return buffer, nil
}
