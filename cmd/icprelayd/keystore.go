package main

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/klingnet-icp/config"
	"github.com/Klingon-tech/klingnet-icp/internal/wallet"
	"github.com/Klingon-tech/klingnet-icp/pkg/crypto"
)

const flagKeystore = "keystore"

func keystoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keystore",
		Short: "Manage the local encrypted keystore used as the relay signer",
	}
	cmd.PersistentFlags().String(flagKeystore, filepath.Join(config.DefaultDataDir(), "keystore.json"), "Keystore file path")
	cmd.AddCommand(
		keystoreCreateCmd(),
		keystoreImportCmd(),
		keystoreListCmd(),
	)
	return cmd
}

func keystoreCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create an empty keystore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString(flagKeystore)
			ks, err := wallet.CreateKeystore(path)
			if err != nil {
				return err
			}
			fmt.Printf("Keystore created: %s\n", ks.Path())
			return nil
		},
	}
}

func keystoreImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Import a hex private key, prompting for the key and a password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString(flagKeystore)
			ks, err := wallet.OpenKeystore(path)
			if err != nil {
				return err
			}

			keyHex, err := readPassword("Private key (hex): ")
			if err != nil {
				return err
			}
			key, err := crypto.PrivateKeyFromHex(string(keyHex))
			clear(keyHex)
			if err != nil {
				return err
			}
			defer key.Zero()

			password, err := readPassword("Keystore password: ")
			if err != nil {
				return err
			}
			defer clear(password)
			confirm, err := readPassword("Confirm password: ")
			if err != nil {
				return err
			}
			defer clear(confirm)
			if !bytes.Equal(password, confirm) {
				return fmt.Errorf("passwords do not match")
			}

			pub, err := ks.Import(key, password, wallet.DefaultParams())
			if err != nil {
				return err
			}
			fmt.Printf("Imported key: %s\n", pub)
			return nil
		},
	}
}

func keystoreListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the public keys in the keystore",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString(flagKeystore)
			ks, err := wallet.OpenKeystore(path)
			if err != nil {
				return err
			}
			for _, pub := range ks.PublicKeys() {
				fmt.Println(pub)
			}
			return nil
		},
	}
}
