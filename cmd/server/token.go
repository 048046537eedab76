package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	jwttoken "eventrelay/internal/jwt_token"
	"eventrelay/internal/platform/config"
)

func newTokenCmd() *cobra.Command {
	tokenCmd := &cobra.Command{Use: "token", Short: "Manage producer ingest tokens"}

	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Mint a bearer token for an event producer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			clientID, _ := cmd.Flags().GetString("client-id")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if clientID == "" {
				return errors.New("--client-id is required")
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if cfg.Server.AuthSigningKey == "" {
				return errors.New("server.auth_signing_key is not configured")
			}
			svc, err := jwttoken.NewJWTService(cfg.Server.AuthSigningKey, tokenIssuer)
			if err != nil {
				return err
			}
			token, err := svc.GenerateToken(clientID, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	issueCmd.Flags().String("client-id", "", "Producer client id embedded in the token")
	issueCmd.Flags().Duration("ttl", 30*24*time.Hour, "Token lifetime")
	tokenCmd.AddCommand(issueCmd)
	return tokenCmd
}
