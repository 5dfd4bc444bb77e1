package cmd

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lehigh-university-libraries/accessioner/internal/workflowcmd"
)

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accessioner",
		Short: "Turn scanned library catalogue cards into WorldCat records",
		Long: `Accessioner converts scanned catalogue cards into bibliographic records.

Cards are transcribed with Transkribus, their titles, authors and ISBNs are
extracted from the recognised text, and each work is matched against the
WorldCat Metadata API.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()
		},
	}

	cmd.PersistentFlags().String("config", "", "Config file (default is ./accessioner.yaml)")
	cmd.PersistentFlags().Bool("verbose", false, "Verbose logging")

	// Add subcommands
	cmd.AddCommand(newHTRCmd())
	cmd.AddCommand(workflowcmd.NewExtractCmd())
	cmd.AddCommand(workflowcmd.NewMatchCmd())
	cmd.AddCommand(workflowcmd.NewReportCmd())

	return cmd
}
