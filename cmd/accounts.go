/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tradedesk/authserver/internal/services"
	"github.com/tradedesk/authserver/types"
)

var (
	adminUsername string
	adminEmail    string
	adminPassword string
	adminPasscode string
	listPage      int
	listLimit     int
)

// accountsCmd groups operator commands that act on accounts directly.
var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage accounts from the command line",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		page, err := app.Accounts.List(cmd.Context(), listPage, listLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUSERNAME\tEMAIL\tROLE\tACTIVE\tLOGGED IN")
		for _, acc := range page.Accounts {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\t%t\n", acc.ID, acc.Username, acc.Email, acc.Role, acc.Active, acc.LoggedIn)
		}
		fmt.Fprintf(w, "page %d, %d of %d accounts\n", page.Page, len(page.Accounts), page.Total)
		return w.Flush()
	},
}

var accountsBootstrapCmd = &cobra.Command{
	Use:   "bootstrap-admin",
	Short: "Register an active admin account",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := loadApp(cmd.Context())
		if err != nil {
			return err
		}
		defer app.Close()

		acc, err := app.Accounts.Register(cmd.Context(), services.RegisterInput{
			Username: adminUsername,
			Email:    adminEmail,
			Password: adminPassword,
			Passcode: adminPasscode,
		})
		if err != nil {
			return err
		}
		active, role := true, types.RoleAdmin
		if _, err := app.Accounts.Update(cmd.Context(), acc.ID, services.AccountUpdate{Active: &active, Role: &role}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "admin %q created with id %d\n", acc.Username, acc.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsListCmd, accountsBootstrapCmd)

	active, inactive := true, false
	admin, normal := types.RoleAdmin, types.RoleNormal
	accountsCmd.AddCommand(
		accountUpdateCmd("activate", "Allow an account to log in", services.AccountUpdate{Active: &active}),
		accountUpdateCmd("deactivate", "Block an account from logging in", services.AccountUpdate{Active: &inactive}),
		accountUpdateCmd("promote", "Grant the admin role", services.AccountUpdate{Role: &admin}),
		accountUpdateCmd("demote", "Revoke the admin role", services.AccountUpdate{Role: &normal}),
	)

	accountsListCmd.Flags().IntVar(&listPage, "page", 1, "page number")
	accountsListCmd.Flags().IntVar(&listLimit, "limit", 20, "accounts per page")

	accountsBootstrapCmd.Flags().StringVar(&adminUsername, "username", "", "admin username")
	accountsBootstrapCmd.Flags().StringVar(&adminEmail, "email", "", "admin email")
	accountsBootstrapCmd.Flags().StringVar(&adminPassword, "password", "", "admin password (at least 6 characters)")
	accountsBootstrapCmd.Flags().StringVar(&adminPasscode, "passcode", "", "admin 4-digit passcode")
	for _, name := range []string{"username", "email", "password", "passcode"} {
		_ = accountsBootstrapCmd.MarkFlagRequired(name)
	}
}

func accountUpdateCmd(use, short string, upd services.AccountUpdate) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <account-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil || id < 1 {
				return fmt.Errorf("invalid account id %q", args[0])
			}

			app, err := loadApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			acc, err := app.Accounts.Update(cmd.Context(), id, upd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "account %d: role=%s active=%t\n", acc.ID, acc.Role, acc.Active)
			return nil
		},
	}
}
