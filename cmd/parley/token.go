package main

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/parley/internal/auth"
	"github.com/MarcoPoloResearchLab/parley/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newTokenCommand() *cobra.Command {
	var (
		userID      string
		email       string
		displayName string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an access token with the server signing secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return fmt.Errorf("--user is required")
			}
			authConfig, err := config.LoadAuth(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(authConfig.SigningSecret),
				Issuer:        authConfig.Issuer,
				Audience:      authConfig.Audience,
				TokenTTL:      authConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, _, err := issuer.IssueToken(cmd.Context(), auth.Identity{UserID: userID, Email: email, DisplayName: displayName})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User identifier (token subject)")
	cmd.Flags().StringVar(&email, "email", "", "Email listed in the participant directory")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name listed in the participant directory")
	return cmd
}
