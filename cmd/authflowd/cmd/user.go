package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrEthical07/authflow/directory"
	"github.com/spf13/cobra"
)

var (
	userEmail    string
	userPassword string
	userTOTP     bool
	userRecovery bool
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage directory users",
}

var userAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a user with a password",
	RunE: func(cmd *cobra.Command, args []string) error {
		if userEmail == "" || userPassword == "" {
			return errors.New("--email and --password are required")
		}
		_, engine, dir, _, release, err := buildEngine()
		if err != nil {
			return err
		}
		defer release()

		ctx := context.Background()
		u, err := dir.CreateUser(ctx, directory.User{Email: userEmail, Active: true})
		if err != nil {
			return err
		}
		if err := engine.EnrollPassword(ctx, u.ID, userPassword); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "created user %s (%s)\n", u.ID, u.Email)

		if userTOTP {
			secret, uri, err := engine.EnrollTOTP(ctx, u.ID, u.Email)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "totp secret: %s\ntotp uri:    %s\n", secret, uri)
		}
		if userRecovery {
			codes, err := engine.EnrollRecoveryCodes(ctx, u.ID)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "recovery codes:")
			for _, c := range codes {
				fmt.Fprintf(out, "  %s\n", c)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userAddCmd)
	userAddCmd.Flags().StringVar(&userEmail, "email", "", "login email")
	userAddCmd.Flags().StringVar(&userPassword, "password", "", "initial password")
	userAddCmd.Flags().BoolVar(&userTOTP, "totp", false, "also enroll a TOTP authenticator and print its secret")
	userAddCmd.Flags().BoolVar(&userRecovery, "recovery-codes", false, "also generate recovery codes")
}
