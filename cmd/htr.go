package cmd

import (
	"github.com/spf13/cobra"

	"github.com/lehigh-university-libraries/accessioner/internal/workflowcmd"
)

func newHTRCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "htr",
		Short: "Transkribus handwritten text recognition",
		Long: `Commands for recognising scanned cards with Transkribus and downloading
the resulting PAGE XML.`,
	}

	cmd.AddCommand(workflowcmd.NewAuthCmd())
	cmd.AddCommand(workflowcmd.NewRecogniseCmd())
	cmd.AddCommand(workflowcmd.NewStatusCmd())
	cmd.AddCommand(workflowcmd.NewDownloadCmd())

	return cmd
}
