package cmd

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/UrBoiTom/DiscordBot/discordbot"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordReader reads a password without echoing it. Tests swap it out.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

const maxPasswordAttempts = 3

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password",
	Short: "Hash an admin password for " + discordbot.DefaultEnvPrefix + "_API_ADMIN_PASSWORD_HASH",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		readPassword := customPasswordReader
		if readPassword == nil {
			readPassword = func() ([]byte, error) {
				return term.ReadPassword(int(syscall.Stdin))
			}
		}

		for range maxPasswordAttempts {
			fmt.Fprint(out, "Enter admin password: ")
			password, err := readPassword()
			fmt.Fprintln(out)
			if err != nil {
				return fmt.Errorf("error reading password: %w", err)
			}

			fmt.Fprint(out, "Confirm admin password: ")
			confirm, err := readPassword()
			fmt.Fprintln(out)
			if err != nil {
				return fmt.Errorf("error reading password: %w", err)
			}

			if len(password) == 0 {
				fmt.Fprintln(out, "Password can't be empty. Please try again.")
				continue
			}
			if string(password) != string(confirm) {
				fmt.Fprintln(out, "Passwords do not match. Please try again.")
				continue
			}

			hashed, err := discordbot.HashPassword(string(password))
			if err != nil {
				return fmt.Errorf("error hashing password: %w", err)
			}
			fmt.Fprintln(out, hashed)
			return nil
		}
		return errors.New("too many attempts")
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(hashPasswordCmd)
}
