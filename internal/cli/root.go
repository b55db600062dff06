package cli

import (
	"github.com/ralt/pkgrepo/internal/config"
	"github.com/ralt/pkgrepo/internal/service"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command for the pkgrepoctl operator CLI.
// It wires a service.Service from the --data-path/--repo/--arch flags;
// the rebuild and cleanup subcommands start the db update actor in the
// background for their own lifetime, and list does not start it.
func NewRootCmd() *cobra.Command {
	var dataPath, defaultRepo, defaultArch string

	rootCmd := &cobra.Command{
		Use:   "pkgrepoctl",
		Short: "Operate a self-hosted pacman-compatible package repository",
		Long: `pkgrepoctl drives the repository core directly: force database
rebuilds, run retention cleanup, and list stored packages without
going through the HTTP service.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			verbose, _ := cmd.Flags().GetBool("verbose")
			if verbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.InfoLevel)
			}
		},
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&dataPath, "data-path", "./data", "Repository data root")
	rootCmd.PersistentFlags().StringVar(&defaultRepo, "repo", "main", "Default repository name")
	rootCmd.PersistentFlags().StringVar(&defaultArch, "arch", "x86_64", "Default architecture")

	newService := func() (*service.Service, error) {
		cfg := config.Default()
		cfg.Storage.DataPath = dataPath
		cfg.Storage.DefaultRepo = defaultRepo
		cfg.Storage.DefaultArch = defaultArch
		return service.New(cfg)
	}

	rootCmd.AddCommand(newRebuildCmd(newService))
	rootCmd.AddCommand(newCleanupCmd(newService))
	rootCmd.AddCommand(newListCmd(newService))

	return rootCmd
}
