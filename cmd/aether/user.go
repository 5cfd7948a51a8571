package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/aether/internal/auth"
	"github.com/haasonsaas/aether/internal/config"
	"github.com/haasonsaas/aether/internal/kv"
	"github.com/haasonsaas/aether/pkg/models"
)

func buildUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage kernel user accounts",
	}
	cmd.AddCommand(buildUserAddCmd(), buildUserListCmd())
	return cmd
}

func buildUserAddCmd() *cobra.Command {
	var (
		configPath string
		role       string
		password   string
	)

	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create a user account",
		Long: `Create a user account in the kernel store.

The password is read from --password or prompted on stdin. Run this
before the first serve to create the initial admin account.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeStore, err := openAuth(configPath)
			if err != nil {
				return err
			}
			defer closeStore()

			if password == "" {
				fmt.Fprint(os.Stderr, "Password: ")
				reader := bufio.NewReader(os.Stdin)
				line, err := reader.ReadString('\n')
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimSpace(line)
			}

			user, err := svc.CreateUser(context.Background(), args[0], password, models.Role(role))
			if err != nil {
				return err
			}
			fmt.Printf("Created %s user %q (uid %s)\n", user.Role, user.Username, user.UID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVar(&role, "role", "user", "Account role (admin or user)")
	cmd.Flags().StringVar(&password, "password", "", "Account password (prompted when omitted)")

	return cmd
}

func buildUserListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List user accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeStore, err := openAuth(configPath)
			if err != nil {
				return err
			}
			defer closeStore()

			users, err := svc.ListUsers(context.Background())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "UID\tUSERNAME\tROLE\tCREATED")
			for _, u := range users {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", u.UID, u.Username, u.Role, u.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	return cmd
}

// openAuth loads config and opens the auth service against the sqlite
// store. User commands do not need the full kernel.
func openAuth(configPath string) (*auth.Service, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Auth.JWTSecret == "" {
		// Signing is unused here; any secret satisfies the constructor.
		cfg.Auth.JWTSecret = "offline"
	}
	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := kv.OpenSQLite(filepath.Join(cfg.Server.DataDir, "aether.db"))
	if err != nil {
		return nil, nil, err
	}
	svc, err := auth.NewService(store, cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry.Std(), nil, slog.Default())
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return svc, func() { _ = store.Close() }, nil
}
