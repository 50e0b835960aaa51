package cmd

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/keygate/internal/util"
)

var genkeyOut string

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a new AES-256 secret key",
	Long: `Generates the key used to encrypt TOTP secrets and recovery codes at
rest and writes it hex-encoded to the output file. Rotating this key
invalidates all stored secrets.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(genkeyOut); err == nil {
			return fmt.Errorf("refusing to overwrite existing key file %s", genkeyOut)
		}
		key, err := util.NewAESKey()
		if err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
		if err := os.WriteFile(genkeyOut, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
			return fmt.Errorf("failed to write key file: %w", err)
		}
		fmt.Printf("Wrote new secret key to %s\n", genkeyOut)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(genkeyCmd)
	genkeyCmd.Flags().StringVarP(&genkeyOut, "out", "o", "./data/secret.key", "Output path for the key file")
}
