package main

import (
	"fmt"
	"log"
	"os"

	"course-checkout/config"
	"course-checkout/internal/util"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	cfg := config.Load()
	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	if err := newRootCmd(func() *config.Config { return cfg }).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		util.SyncLogger()
		os.Exit(1)
	}
}

func newRootCmd(load func() *config.Config) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "checkoutctl",
		Short:         "Operator tool for the course checkout ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(migrateCmd(load))
	rootCmd.AddCommand(reconcileCmd(load))
	rootCmd.AddCommand(sweepCmd(load))
	rootCmd.AddCommand(orderCmd(load))
	rootCmd.AddCommand(cancelCmd(load))

	return rootCmd
}
