package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		role       string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token for a user",
		Long:  "Signs a JWT with the configured key. Intended for operators and local testing; production tokens come from the identity service.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			v, err := newVerifier(cfg)
			if err != nil {
				return err
			}
			tok, err := v.GenerateToken(userID, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to medconsult config file")
	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	cmd.Flags().StringVar(&role, "role", "patient", "role: patient, doctor or admin")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
