package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/scottpeterman/velociterm/internal/auth"
	"github.com/scottpeterman/velociterm/internal/config"
	"github.com/scottpeterman/velociterm/internal/database"
	"github.com/scottpeterman/velociterm/internal/sshkeys"
)

// withDatabase loads the config and opens the database for a CLI command.
func withDatabase(fn func() error) error {
	config.Load()
	if err := database.Init(); err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer database.Close()
	return fn()
}

func newCreateUserCommand() *cobra.Command {
	var (
		username string
		password string
		role     string
		groups   []string
	)
	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create a local user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if username == "" || password == "" {
				return fmt.Errorf("--username and --password are required")
			}
			if !sshkeys.ValidUsername(username) {
				return fmt.Errorf("invalid username %q", username)
			}
			if !auth.ValidRole(role) {
				return fmt.Errorf("role must be %q or %q", auth.RoleAdmin, auth.RoleUser)
			}
			return withDatabase(func() error {
				hash, err := auth.HashPassword(password)
				if err != nil {
					return fmt.Errorf("hash password: %w", err)
				}
				user := &database.User{
					Username:     username,
					PasswordHash: hash,
					Role:         role,
					Groups:       strings.Join(groups, ","),
				}
				if err := database.CreateUser(user); err != nil {
					return fmt.Errorf("create user: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "User '%s' (%s) created successfully.\n", username, role)
				return nil
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&username, "username", "", "username")
	flags.StringVar(&password, "password", "", "password")
	flags.StringVar(&role, "role", auth.RoleUser, "role (admin or user)")
	flags.StringSliceVar(&groups, "groups", nil, "comma-separated groups")
	return cmd
}

func newResetPasswordCommand() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Set a new password for a local user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if username == "" || password == "" {
				return fmt.Errorf("--username and --password are required")
			}
			return withDatabase(func() error {
				hash, err := auth.HashPassword(password)
				if err != nil {
					return fmt.Errorf("hash password: %w", err)
				}
				if err := database.UpdateUserPassword(username, hash); err != nil {
					if errors.Is(err, gorm.ErrRecordNotFound) {
						return fmt.Errorf("user '%s' not found", username)
					}
					return fmt.Errorf("update password: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Password reset for '%s'. Note: existing sessions will expire within 1 hour.\n", username)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "username")
	cmd.Flags().StringVar(&password, "password", "", "new password")
	return cmd
}

func newKeygenCommand() *cobra.Command {
	var username, kind string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an SSH key pair in a user's key directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if username == "" {
				return fmt.Errorf("--username is required")
			}
			config.Load()

			dir, err := sshkeys.NewKeyStore(config.Cfg.WorkspacesPath).Dir(username)
			if err != nil {
				return err
			}
			k := sshkeys.KeyKind(kind)
			pub, priv, err := sshkeys.GenerateKeyPair(k)
			if err != nil {
				return err
			}
			path, err := sshkeys.SaveKeyPair(dir, k.FileName(), priv, pub)
			if err != nil {
				return err
			}
			fp, err := sshkeys.Fingerprint(pub)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Private key: %s\n", path)
			fmt.Fprintf(out, "Fingerprint: %s\n", fp)
			fmt.Fprintf(out, "Add this public key to ~/.ssh/authorized_keys on the target hosts:\n%s", pub)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "user that owns the key")
	cmd.Flags().StringVar(&kind, "type", string(sshkeys.KindEd25519), "key type: ed25519, rsa or ecdsa")
	return cmd
}
