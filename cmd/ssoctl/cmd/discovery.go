package cmd

import (
	"github.com/spf13/cobra"
	"go.pilab.hu/ssoengine/internal/bootstrap"
)

var discoveryCmd = &cobra.Command{
	Use:   "discovery",
	Short: "Print the OpenID Connect discovery document",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEngine(cmd.Context(), func(e *bootstrap.Engine) error {
			doc, err := e.Service.Discovery(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), doc)
		})
	},
}

var jwksCmd = &cobra.Command{
	Use:   "jwks",
	Short: "Print the published signing keys",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEngine(cmd.Context(), func(e *bootstrap.Engine) error {
			return printJSON(cmd.OutOrStdout(), e.Service.Jwks())
		})
	},
}

func init() {
	rootCmd.AddCommand(discoveryCmd, jwksCmd)
}
