// Package main runs a service that mirrors a Twitter account's posts to
// Nostr relays as signed text notes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "nostr-mirror",
		Short: "Mirror a Twitter account to Nostr relays",
		Long: `nostr-mirror polls a Twitter account for new posts, signs each one as a
Nostr text note and publishes it to a set of relays.

Commands:
  serve    Run the scheduler and HTTP endpoints (default)
  once     Run a single replication cycle and exit
  status   Show the cursor and recent replications
  pubkey   Print the public key notes are signed with

Configuration is read from the environment and an optional .env file.`,
		SilenceUsage: true,
		RunE:         runServe,
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the scheduler and HTTP endpoints",
			Args:  cobra.NoArgs,
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "once",
			Short: "Run a single replication cycle and exit",
			Args:  cobra.NoArgs,
			RunE:  runOnce,
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the cursor and recent replications",
			Args:  cobra.NoArgs,
			RunE:  runStatus,
		},
		&cobra.Command{
			Use:   "pubkey",
			Short: "Print the public key in hex and npub form",
			Args:  cobra.NoArgs,
			RunE:  runPubkey,
		},
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
