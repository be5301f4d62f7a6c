package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const defaultConfigPath = "medconsult.yaml"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "medconsult",
		Short:        "Doctor/patient consultation service",
		Long:         "medconsult runs the consultation lifecycle, live chat and notification fan-out for doctor/patient consultations.",
		SilenceUsage: true,
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newConsultationCmd())
	cmd.AddCommand(newTokenCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "medconsult %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	_ = godotenv.Load()
	os.Exit(execute(newRootCmd()))
}
