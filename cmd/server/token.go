package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensandbox/podrelay/internal/auth"
	"github.com/opensandbox/podrelay/internal/config"
)

func newTokenCmd() *cobra.Command {
	var (
		user          string
		role          string
		namespaces    []string
		allNamespaces bool
		ttl           time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a user access token signed with PODRELAY_JWT_SECRET",
		Example: `  podrelay-server token --user alice --role operator --namespaces default,staging
  export PODRELAY_TOKEN=$(podrelay-server token --user bob --role viewer --all-namespaces)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch role {
			case auth.RoleViewer, auth.RoleOperator, auth.RoleAdmin:
			default:
				return fmt.Errorf("invalid role %q: want viewer, operator or admin", role)
			}
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive")
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			tok, err := auth.NewJWTIssuer(cfg.JWTSecret).IssueUserToken(auth.User{
				Username:      user,
				Role:          role,
				AllNamespaces: allNamespaces,
				Namespaces:    namespaces,
			}, ttl)
			if err != nil {
				return fmt.Errorf("failed to issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "username (token subject)")
	cmd.Flags().StringVar(&role, "role", auth.RoleOperator, "role: viewer, operator or admin")
	cmd.Flags().StringSliceVar(&namespaces, "namespaces", nil, "namespaces the user may access")
	cmd.Flags().BoolVar(&allNamespaces, "all-namespaces", false, "grant access to every namespace")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
