/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"cloudimages/internal/images"

	"github.com/spf13/cobra"
)

var cleanUpWorkers int

// cleanUpCmd represents the clean-up command
var cleanUpCmd = &cobra.Command{
	Use:   "clean-up",
	Short: "Destroy all left over VMs used for provisioning",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd, images.WithWorkers(cleanUpWorkers))
		if err != nil {
			return err
		}
		defer s.Close(cmd.Context())

		_, err = s.manager.CleanUp(cmd.Context())
		return err
	},
}

func init() {
	rootCmd.AddCommand(cleanUpCmd)

	cleanUpCmd.Flags().IntVarP(&cleanUpWorkers, "workers", "w", 4, "number of VMs destroyed in parallel")
}
