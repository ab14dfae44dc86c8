// ICP relay daemon.
//
// Usage:
//
//	icprelayd --icp-relay-peer-chain-id=<hex> [flags]   Run the relay
//	icprelayd keystore create|import|list               Manage the local keystore
//	icprelayd --help                                    Show help
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Klingon-tech/klingnet-icp/config"
	"github.com/Klingon-tech/klingnet-icp/internal/node"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "icprelayd",
		Short:        "Relays irreversible blocks between two chains",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
	}
	flags := config.BindFlags(cmd.Flags())
	cmd.RunE = func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load(flags)
		if err != nil {
			return err
		}
		return run(cfg)
	}

	cobra.EnableCommandSorting = false
	cmd.AddCommand(keystoreCmd())
	return cmd
}

func run(cfg *config.Config) error {
	var opts node.Options
	if cfg.Wallet.Keystore != "" && !cfg.Tx.SkipSign {
		password, err := keystorePassword(cfg.Wallet.PasswordFile)
		if err != nil {
			return err
		}
		defer clear(password)
		opts.KeystorePassword = password
	}

	n, err := node.New(cfg, opts)
	if err != nil {
		return err
	}
	if err := n.Start(); err != nil {
		n.Stop()
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	return n.Stop()
}

// keystorePassword reads the keystore password from file, or prompts
// when no file is configured.
func keystorePassword(file string) ([]byte, error) {
	if file == "" {
		return readPassword("Keystore password: ")
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read password file: %w", err)
	}
	return []byte(strings.TrimRight(string(data), "\r\n")), nil
}

// ── Password helper ─────────────────────────────────────────────────────

func readPassword(prompt string) ([]byte, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		return nil, fmt.Errorf("no terminal for password prompt (set wallet-password-file)")
	}
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}
