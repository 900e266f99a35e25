package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"venuecore/internal/pkg/jwt"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Staff bearer tokens for the admin API",
	}
	cmd.AddCommand(newTokenMintCmd())
	return cmd
}

func newTokenMintCmd() *cobra.Command {
	var (
		staffID string
		role    string
		ttl     time.Duration
	)
	c := &cobra.Command{
		Use:   "mint",
		Short: "Issue a signed staff token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !jwt.ValidRole(role) {
				return fmt.Errorf("unknown role %q", role)
			}
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.JWTTTL
			}
			tok, err := jwt.New(cfg.JWTSecret, ttl).GenerateToken(staffID, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	c.Flags().StringVar(&staffID, "staff", "", "staff member id")
	c.Flags().StringVar(&role, "role", jwt.RoleStaff, "staff or manager")
	c.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to JWT_TTL)")
	_ = c.MarkFlagRequired("staff")
	return c
}
