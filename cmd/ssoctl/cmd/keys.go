package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.pilab.hu/ssoengine/keys"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a PEM signing key",
	RunE: func(cmd *cobra.Command, _ []string) error {
		alg, _ := cmd.Flags().GetString("alg")
		out, _ := cmd.Flags().GetString("out")
		force, _ := cmd.Flags().GetBool("force")

		priv, err := keys.GeneratePrivateKey(alg)
		if err != nil {
			return err
		}
		pemBytes, err := keys.EncodePrivateKeyPEM(priv)
		if err != nil {
			return err
		}
		kid, err := keys.DeriveKeyID(priv)
		if err != nil {
			return err
		}

		if out == "" {
			_, err = cmd.OutOrStdout().Write(pemBytes)
			return err
		}
		flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
		if force {
			flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		}
		f, err := os.OpenFile(out, flags, 0o600) // #nosec G304 - path comes from the operator
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				return fmt.Errorf("%s already exists, use --force to overwrite", out)
			}
			return err
		}
		if _, err := f.Write(pemBytes); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s key %s to %s\n", alg, kid, out)
		return nil
	},
}

func init() {
	keygenCmd.Flags().String("alg", "RS256", "JWS algorithm the key is generated for")
	keygenCmd.Flags().StringP("out", "o", "", "output file (default stdout)")
	keygenCmd.Flags().Bool("force", false, "overwrite an existing file")
	rootCmd.AddCommand(keygenCmd)
}
