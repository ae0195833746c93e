package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"go.pilab.hu/ssoengine/client"
	"go.pilab.hu/ssoengine/domain"
	"go.pilab.hu/ssoengine/internal/bootstrap"
	"go.pilab.hu/ssoengine/validation"
	"golang.org/x/crypto/bcrypt"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a client_credentials access token",
	RunE: func(cmd *cobra.Command, _ []string) error {
		clientID, _ := cmd.Flags().GetString("client-id")
		secret, _ := cmd.Flags().GetString("client-secret")
		scopes, _ := cmd.Flags().GetStringSlice("scope")
		if clientID == "" || secret == "" {
			return errors.New("--client-id and --client-secret are required")
		}

		form := url.Values{}
		form.Set("grant_type", domain.GrantTypeClientCredentials)
		form.Set("client_id", clientID)
		form.Set("client_secret", secret)
		if len(scopes) > 0 {
			form.Set("scope", strings.Join(scopes, " "))
		}

		return withEngine(cmd.Context(), func(e *bootstrap.Engine) error {
			resp, err := e.Service.Token(cmd.Context(), validation.RawRequest{Form: form})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		})
	},
}

var hashSecretCmd = &cobra.Command{
	Use:   "hash-secret <secret>",
	Short: "Hash a client secret for the seed file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		useBcrypt, _ := cmd.Flags().GetBool("bcrypt")
		if !useBcrypt {
			fmt.Fprintln(cmd.OutOrStdout(), client.HashSecretSHA256(args[0]))
			return nil
		}
		h, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(h))
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("client-id", "", "client id")
	tokenCmd.Flags().String("client-secret", "", "client secret")
	tokenCmd.Flags().StringSlice("scope", nil, "requested scopes")
	hashSecretCmd.Flags().Bool("bcrypt", false, "emit a bcrypt hash instead of SHA-256")
	rootCmd.AddCommand(tokenCmd, hashSecretCmd)
}
