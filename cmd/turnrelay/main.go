// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package main provides the turnrelay command.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/netmedia/turnrelay"
	"github.com/netmedia/turnrelay/internal/config"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "turnrelay",
		Short: "TURN relay server",
		Long: `turnrelay is a TURN server relaying UDP and TCP traffic for clients
behind NATs. It supports UDP and TCP allocations, channel bindings and
RFC 6062 TCP relaying.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(runCmd())
	cmd.AddCommand(credentialsCmd())
	cmd.AddCommand(checkConfigCmd())

	return cmd
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay",
		Long:  "Start the TURN relay with the specified configuration.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			d, err := start(cfg)
			if err != nil {
				return err
			}

			// Wait for shutdown signal
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			d.log.Infof("Received signal %v, shutting down", sig)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			return d.Stop(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "turnrelay.yaml", "Path to the configuration file")

	return cmd
}

func credentialsCmd() *cobra.Command {
	var (
		secret string
		ttl    time.Duration
		user   string
	)

	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Generate time-windowed credentials",
		Long: `Generate a username and password accepted by a relay configured with
the same auth.shared_secret. With --user the username carries a user id
in the TURN REST format.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				secret = os.Getenv("TURNRELAY_SHARED_SECRET")
			}

			var username, password string
			var err error
			if user != "" {
				username, password, err = turnrelay.GenerateLongTermTURNRESTCredentials(secret, user, ttl)
			} else {
				username, password, err = turnrelay.GenerateLongTermCredentials(secret, ttl)
			}
			if err != nil {
				return fmt.Errorf("failed to generate credentials: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "username: %s\n", username)
			fmt.Fprintf(out, "password: %s\n", password)
			fmt.Fprintf(out, "expires:  %s\n", humanize.Time(time.Now().Add(ttl)))

			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "Shared secret (defaults to $TURNRELAY_SHARED_SECRET)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Validity of the credentials")
	cmd.Flags().StringVar(&user, "user", "", "User id to embed in the username")

	return cmd
}

func checkConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate a configuration file",
		Long:  "Parse and validate a configuration file, then print it with secrets redacted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), cfg.String())

			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "turnrelay.yaml", "Path to the configuration file")

	return cmd
}
