// Meshlink: CLI entry point.
//
// Runs one node of the BLE mesh: it advertises and scans at the same time,
// opens Noise XX secured channels to every mesh peer it finds and exchanges
// encrypted messages with them. Radios are BlueZ on Linux or the emulated
// "air" radio served by cmd/meshair.
package main

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/1ureka/meshlink/internal/config"
	"github.com/1ureka/meshlink/internal/secure"
	"github.com/1ureka/meshlink/internal/util"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "meshlink",
		Short:         "Encrypted BLE mesh node",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file with MESHLINK_* settings")

	root.AddCommand(newRunCmd(&envFile), newKeygenCmd(&envFile), newVersionCmd())
	return root
}

// ---------------------------------------------------------------------------
// keygen / version
// ---------------------------------------------------------------------------

func newKeygenCmd(envFile *string) *cobra.Command {
	var keyPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create the static X25519 identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			util.DisableOutput()

			if keyPath == "" {
				cfg, err := config.Load(*envFile)
				if err != nil {
					return err
				}
				keyPath = cfg.KeyPath
			}

			if !force {
				if id, err := secure.LoadIdentity(keyPath); err == nil {
					pterm.Warning.Printfln("%s already holds an identity (use --force to replace it)", keyPath)
					pterm.Info.Printfln("fingerprint %s", id.Fingerprint())
					return nil
				}
			}

			id, err := secure.GenerateIdentity()
			if err != nil {
				return err
			}
			if err := id.Save(keyPath); err != nil {
				return err
			}
			pterm.Success.Printfln("identity written to %s", keyPath)
			pterm.Info.Printfln("fingerprint %s", id.Fingerprint())
			return nil
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "", "key file path (default from config)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "meshlink %s\n", version)
		},
	}
}
