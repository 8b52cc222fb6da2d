package main

import (
	"errors"
	"fmt"

	"dermio/internal/config"
	"dermio/internal/middleware"

	"github.com/spf13/cobra"
)

var (
	flagTokenUser string
	flagTokenRole string
)

// tokenCmd 给开发与联调签发 HS256 JWT
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a JWT (HS256) for API and WebSocket authentication",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if cfg.JWT.Secret == "" {
			return errors.New("jwt.secret is empty; set it in config")
		}
		if flagTokenUser == "" {
			return errors.New("missing --user")
		}
		if flagTokenRole != "user" && flagTokenRole != "expert" {
			return fmt.Errorf("invalid role %q (want user or expert)", flagTokenRole)
		}
		token, err := middleware.IssueToken(cfg, flagTokenUser, flagTokenRole)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&flagTokenUser, "user", "", "subject user id")
	tokenCmd.Flags().StringVar(&flagTokenRole, "role", "user", "role claim (user or expert)")
	rootCmd.AddCommand(tokenCmd)
}
