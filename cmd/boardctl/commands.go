package main

import (
	"context"
	"fmt"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"taskboard/api"
	"taskboard/config"
	"taskboard/domain"
	"taskboard/service"
	"taskboard/storage"
)

type app struct {
	cfg        *config.Config
	log        *log.Logger
	store      *storage.Storage
	identities *service.Identities
}

// openApp loads configuration and opens a migrated store.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := cfg.NewLogger()
	logger.SetLevel(log.WarnLevel)
	if cfg.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	store, err := storage.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	if _, err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	auth := api.NewAuth(api.AuthOptions{
		Secret:   []byte(cfg.SecretKey),
		TokenTTL: cfg.TokenTTL,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	})
	return &app{
		cfg:        cfg,
		log:        logger,
		store:      store,
		identities: service.NewIdentities(store, auth, nil, logger),
	}, nil
}

func (a *app) Close() error { return a.store.Close() }

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := cfg.NewLogger()
			store, err := storage.Open(ctx, cfg.DatabaseURL, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			n, err := store.Migrate(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
			return nil
		},
	}
}

func createAdminCmd() *cobra.Command {
	var reg service.Registration
	var fullName string
	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an administrator account",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if fullName != "" {
				reg.FullName = &fullName
			}
			user, err := a.identities.CreateAdmin(cmd.Context(), reg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created admin %s (id %d)\n", user.Username, user.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&reg.Username, "username", "admin", "admin username")
	cmd.Flags().StringVar(&reg.Email, "email", "admin@example.com", "admin email")
	cmd.Flags().StringVar(&reg.Password, "password", "", "admin password")
	cmd.Flags().StringVar(&fullName, "full-name", "Administrator", "display name")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func seedCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Insert the sample tasks owned by an existing user",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()
			user, err := a.store.UserByUsername(ctx, owner)
			if err != nil {
				return fmt.Errorf("owner %s: %w", owner, err)
			}
			tasks := service.NewTasks(a.store, nil, a.log, service.WithMaxAttempts(a.cfg.CustomIDMaxAttempts))
			created, err := tasks.Seed(ctx, domain.Identity{
				UserID:   user.ID,
				Username: user.Username,
				IsActive: user.IsActive,
				IsAdmin:  user.IsAdmin,
			})
			if err != nil {
				return err
			}
			for _, t := range created {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", domain.DisplayCustomID(t.CustomID), t.Status, t.ClientName)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "admin", "username owning the sample tasks")
	return cmd
}

func columnsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "columns",
		Short: "Print the number of tasks in each status column",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			counts, err := a.store.CountTasks(cmd.Context())
			if err != nil {
				return err
			}
			total := 0
			for _, status := range domain.Statuses {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", status, counts[status])
				total += counts[status]
			}
			fmt.Fprintf(cmd.OutOrStdout(), "total\t%d\n", total)
			return nil
		},
	}
}

func genTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gen-token <username>",
		Short: "Issue an access token without a password check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			tok, err := a.identities.IssueFor(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("user %s: %w", args[0], err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.AccessToken)
			return nil
		},
	}
}

func cleanupSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup-sessions",
		Short: "Deactivate sessions past their expiry",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.identities.CleanupSessions(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d session(s)\n", n)
			return nil
		},
	}
}

func setActiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-active <username> <true|false>",
		Short: "Allow or forbid a user to change tasks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			active, err := strconv.ParseBool(args[1])
			if err != nil {
				return fmt.Errorf("invalid active flag %q", args[1])
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			user, err := a.identities.SetActive(cmd.Context(), args[0], active)
			if err != nil {
				return fmt.Errorf("user %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s active=%t\n", user.Username, user.IsActive)
			return nil
		},
	}
}
