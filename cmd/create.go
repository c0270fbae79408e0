/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"cloudimages/internal/images"

	"github.com/spf13/cobra"
)

var (
	createName            string
	createDist            string
	createBase            bool
	createCookbooksBranch string
	createKeep            bool
	createSkipSetup       bool
)

// createCmd represents the create command
var createCmd = &cobra.Command{
	Use:   "create [IMAGE_TYPE]",
	Short: "Create and provision a VM, then save the template",
	Long: `Create boots a VM, runs the provisioning stages against it and saves it
as a template. IMAGE_TYPE defaults to "standard". Every other type boots
from the latest standard template unless --base=false is given.

The VM is destroyed afterwards, whatever the outcome, unless --keep is set.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close(cmd.Context())

		opts := images.CreateOptions{
			Dist:            createDist,
			Tag:             createName,
			CookbooksBranch: createCookbooksBranch,
			SkipSetup:       createSkipSetup,
			Keep:            createKeep,
		}
		if len(args) > 0 {
			opts.ImageType = args[0]
		}
		if cmd.Flags().Changed("base") {
			opts.CustomBase = &createBase
		}

		_, err = s.manager.Create(cmd.Context(), opts)
		return err
	},
}

func init() {
	rootCmd.AddCommand(createCmd)

	createCmd.Flags().StringVarP(&createName, "name", "n", "", "optional naming tag, e.g. travis-[dist]-[tag]-language-[date]")
	createCmd.Flags().StringVarP(&createDist, "dist", "d", "", "distribution to build for (default from config)")
	createCmd.Flags().BoolVarP(&createBase, "base", "b", false, "boot from the latest standard template (default: every type but standard)")
	createCmd.Flags().StringVarP(&createCookbooksBranch, "cookbooks-branch", "B", "master", "cookbooks branch to provision from")
	createCmd.Flags().BoolVarP(&createKeep, "keep", "k", false, "keep the provisioning VM for inspection instead of destroying it")
	createCmd.Flags().BoolVar(&createSkipSetup, "skip-setup", false, "skip the environment setup stage")
}
