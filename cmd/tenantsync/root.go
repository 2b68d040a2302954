package main

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:           "tenantsync",
	Short:         "tenantsync keeps SaaS tenant users in sync with the central platform.",
	SilenceErrors: true,
	SilenceUsage:  true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd, workerCmd, syncCmd, migrateCmd)
}
