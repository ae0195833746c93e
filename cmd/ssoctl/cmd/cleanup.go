package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.pilab.hu/ssoengine/internal/bootstrap"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired grants from the store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		watch, _ := cmd.Flags().GetBool("watch")
		return withEngine(cmd.Context(), func(e *bootstrap.Engine) error {
			if e.Cleanup == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "The %s store expires grants on its own\n", serverCfg.StoreBackend)
				return nil
			}
			if watch {
				e.Cleanup.Run(cmd.Context())
				return nil
			}
			removed, err := e.Cleanup.RemoveExpiredGrants(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired grants\n", removed)
			return nil
		})
	},
}

func init() {
	cleanupCmd.Flags().Bool("watch", false, "keep running and clean up every CLEANUP_INTERVAL")
	rootCmd.AddCommand(cleanupCmd)
}
