package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"quiz-session-service/internal/auth"
	"quiz-session-service/internal/config"
	"quiz-session-service/internal/domain"
)

// NewTokenCmd mints a signed token for local testing.
func NewTokenCmd(configPath *string) *cobra.Command {
	var (
		who domain.Identity
		ttl time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwtSecret (or JWT_SECRET) is required")
			}
			switch who.Role {
			case domain.RoleStudent, domain.RoleTeacher, domain.RoleAdmin:
			default:
				return fmt.Errorf("unknown role %q", who.Role)
			}
			if ttl <= 0 {
				ttl = config.TTLDuration(cfg.Auth.TokenTTL, 24*time.Hour)
			}
			token, err := auth.Issue(cfg.Auth.JWTSecret, who, time.Now(), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&who.UserID, "user", "", "user id")
	cmd.Flags().StringVar(&who.Role, "role", domain.RoleStudent, "student, teacher or admin")
	cmd.Flags().StringVar(&who.Name, "name", "", "display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.tokenTTL)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
