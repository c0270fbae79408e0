/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"errors"
	"fmt"

	"cloudimages/internal/images"

	"github.com/spf13/cobra"
)

// destroyCmd represents the destroy command
var destroyCmd = &cobra.Command{
	Use:   "destroy NAME",
	Short: "Destroy the VMs whose hostname starts with NAME",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close(cmd.Context())

		_, err = s.manager.Destroy(cmd.Context(), args[0])

		var nomatch *images.NoMatchError
		if errors.As(err, &nomatch) {
			stderr := cmd.ErrOrStderr()
			fmt.Fprintf(stderr, "Could not find any VM matching /^%s/, did you mean one of these servers:\n", nomatch.Name)
			for _, hostname := range nomatch.Suggestions {
				fmt.Fprintf(stderr, "  %s\n", hostname)
			}
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(destroyCmd)
}
