package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/quillfs/quillfs/cmd/internal/cmderr"
	"github.com/quillfs/quillfs/misc"
)

var command = &cobra.Command{
	Use:           "quillfs",
	Short:         "QuillFS volume tool",
	Long:          `QuillFS volume tool formats, inspects and serves log-structured object store volumes.`,
	RunE:          entryPoint,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func entryPoint(cmd *cobra.Command, _ []string) error {
	printVersion, _ := cmd.Flags().GetBool("version")
	if printVersion {
		cmd.Print(misc.BuildInfo("QuillFS"))

		return nil
	}

	return cmd.Usage()
}

func init() {
	// use stdout as default output for cmd.Print()
	command.SetOut(os.Stdout)
	command.Flags().Bool("version", false, "Application version")
	command.AddCommand(
		formatCMD,
		statusCMD,
		objectRootCMD,
		serveCMD,
	)
}

func main() {
	err := command.Execute()
	cmderr.ExitOnErr(err)
}
