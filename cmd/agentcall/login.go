package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	loginEmail  string
	loginLogout bool
	loginStatus bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to the backend",
	Long: `Sign in with email and password. The login is remembered for the
configured session TTL (10 minutes by default) and is required before
starting a call.

The password is read from AGENTCALL_PASSWORD or prompted on stdin.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		switch {
		case loginLogout:
			if err := a.gate.SignOut(ctx); err != nil {
				return fmt.Errorf("failed to sign out: %w", err)
			}
			fmt.Fprintln(out, noticeStyle.Render("Signed out"))
			return nil

		case loginStatus:
			ok, err := a.gate.LoggedIn(ctx)
			if err != nil {
				return err
			}
			if ok {
				fmt.Fprintln(out, noticeStyle.Render("Signed in"))
			} else {
				fmt.Fprintln(out, errorStyle.Render("Not signed in"))
			}
			return nil
		}

		email := loginEmail
		if email == "" {
			email = cfg.Auth.Email
		}
		if email == "" {
			return errors.New("email required (--email or AGENTCALL_EMAIL)")
		}

		password := os.Getenv("AGENTCALL_PASSWORD")
		if password == "" {
			fmt.Fprintf(out, "Password for %s: ", email)
			password, err = readLine(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
		}

		if err := a.gate.SignIn(ctx, email, password); err != nil {
			return fmt.Errorf("sign in failed: %w", err)
		}
		fmt.Fprintln(out, noticeStyle.Render("Signed in as "+email))
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVarP(&loginEmail, "email", "e", "", "Account email")
	loginCmd.Flags().BoolVar(&loginLogout, "logout", false, "Forget the stored login")
	loginCmd.Flags().BoolVar(&loginStatus, "status", false, "Report whether a login is stored")
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
