/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the VMs currently running on the account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close(cmd.Context())

		vms, err := s.manager.List(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%-40s %-16s %s\n", "Hostname", "Address", "State")
		fmt.Fprintln(out, "------------------------------------------------------------------")
		for _, vm := range vms {
			fmt.Fprintf(out, "%-40s %-16s %s\n", vm.Hostname, vm.Address, vm.State)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
