package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/jmcleod/assetledger/auth"
)

var (
	newUsername string
	newEmail    string
	newRole     string
)

var userAddCmd = &cobra.Command{
	Use:   "useradd",
	Short: "Create an account",
	Long: `Create an account in the Users table. The password and its confirmation
are read from stdin, one per line.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		password, confirm, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr(), isatty.IsTerminal(os.Stdin.Fd()))
		if err != nil {
			return err
		}
		if err := auth.ValidatePassword(password, confirm); err != nil {
			return err
		}

		st, err := newStack(cfg, slog.Default())
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*cfg.RequestTimeout)
		defer cancel()
		if err := st.engine.Provision(ctx); err != nil {
			return err
		}
		err = st.gateway.CreateAccount(ctx, auth.Account{
			Username: newUsername,
			Password: password,
			Email:    newEmail,
			Role:     newRole,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", strings.TrimSpace(newUsername))
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset-token USERNAME",
	Short: "Issue a single-use password reset token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := newStack(cfg, slog.Default())
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 2*cfg.RequestTimeout)
		defer cancel()
		token, err := st.gateway.RequestReset(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(userAddCmd, resetCmd)
	userAddCmd.Flags().StringVarP(&newUsername, "username", "u", "", "Username (required)")
	userAddCmd.Flags().StringVar(&newEmail, "email", "", "Email address")
	userAddCmd.Flags().StringVar(&newRole, "role", auth.DefaultRole, "Role (user or admin)")
	_ = userAddCmd.MarkFlagRequired("username")
}

// readPassword reads a password and its confirmation, one per line. Prompts
// are written only when interactive.
func readPassword(in io.Reader, prompt io.Writer, interactive bool) (string, string, error) {
	sc := bufio.NewScanner(in)
	var lines [2]string
	for i, label := range []string{"Password: ", "Confirm password: "} {
		if interactive {
			fmt.Fprint(prompt, label)
		}
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return "", "", err
			}
			if i == 1 && !interactive {
				// A single line on a pipe confirms itself.
				return lines[0], lines[0], nil
			}
			return "", "", errors.New("no password on stdin")
		}
		lines[i] = strings.TrimRight(sc.Text(), "\r")
	}
	return lines[0], lines[1], nil
}
