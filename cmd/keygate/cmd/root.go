package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped by the release build.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "keygate",
	Short: "Keygate is a multi-factor authentication service",
	Long: `An authentication service with password login, email verification,
TOTP and WebAuthn second factors, recovery codes, and password reset.
Complete documentation is available at https://github.com/jmcleod/keygate`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
