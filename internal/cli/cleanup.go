package cli

import (
	"fmt"

	"github.com/ralt/pkgrepo/internal/service"
	"github.com/spf13/cobra"
)

func newCleanupCmd(newService func() (*service.Service, error)) *cobra.Command {
	var glob string

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Run retention over package names matching a glob",
		Long: `Runs an ad-hoc cleanup across every repository: every stored package
name matching --glob (path/filepath.Match syntax) has the three-slot
retention policy applied, deleting only the versions it rejects, and
the affected repo/arch databases are queued for rebuild.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newService()
			if err != nil {
				return err
			}

			go svc.Run()
			deleted, err := svc.Cleanup(glob)
			svc.Actor.Shutdown()
			<-svc.Done()
			if err != nil {
				return err
			}

			fmt.Printf("deleted %d package(s)\n", len(deleted))
			for _, pkg := range deleted {
				fmt.Printf("  %s\n", pkg.Filename)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&glob, "glob", "*", "Package name glob to run retention over")

	return cmd
}
