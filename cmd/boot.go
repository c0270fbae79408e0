/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"cloudimages/internal/images"
	"cloudimages/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	bootName string
	bootDist string
)

// bootCmd represents the boot command
var bootCmd = &cobra.Command{
	Use:   "boot [IMAGE_TYPE]",
	Short: "Boot a VM for testing, defaults to \"ruby\"",
	Long: `Boot creates a VM from the latest template of IMAGE_TYPE and prints how
to log into it. The VM is left running; remove it with destroy.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close(cmd.Context())

		opts := images.BootOptions{Name: bootName, Dist: bootDist}
		if len(args) > 0 {
			opts.ImageType = args[0]
		}

		vm, _, err := s.manager.Boot(cmd.Context(), opts)
		if err != nil {
			return err
		}

		logging.Logger().Info("debug VM booted",
			zap.String("id", vm.ID),
			zap.String("hostname", vm.Hostname),
			zap.String("address", vm.Address),
			zap.String("state", string(vm.State)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(bootCmd)

	bootCmd.Flags().StringVarP(&bootName, "name", "n", "", "additional naming option to help identify booted instances")
	bootCmd.Flags().StringVarP(&bootDist, "dist", "d", "", "distribution of the template (default from config)")
}
