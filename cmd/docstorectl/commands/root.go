// Package commands implements the docstorectl interactive shell: a single
// cobra root command that connects to the naming manager, claims a user
// session, and drives the document commands over the framed TCP protocol.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	nmAddr string
	nmPort int
	user   string
)

var rootCmd = &cobra.Command{
	Use:   "docstorectl",
	Short: "Interactive shell for the docstore cluster",
	Long: `docstorectl connects to the naming manager and opens an interactive
shell for working with shared documents: reading, sentence-level editing,
checkpoints, access control, folders, and trash.

Type HELP inside the shell for the command list.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := Connect(nmAddr, nmPort, user)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return err
		}
		defer client.Close()
		return runShell(client)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&nmAddr, "addr", "127.0.0.1", "naming manager address")
	rootCmd.PersistentFlags().IntVar(&nmPort, "port", 9000, "naming manager port")
	rootCmd.PersistentFlags().StringVarP(&user, "user", "u", "", "user name for this session")
	_ = rootCmd.MarkPersistentFlagRequired("user")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("docstorectl %s (commit: %s, built: %s)\n",
			buildVersion, buildCommit, buildDate)
	},
}

var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// Execute runs the root command. A connect failure surfaces as a non-nil
// error so main exits 1.
func Execute(version, commit, date string) error {
	buildVersion, buildCommit, buildDate = version, commit, date
	return rootCmd.Execute()
}
