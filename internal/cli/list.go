package cli

import (
	"fmt"
	"strings"

	"github.com/ralt/pkgrepo/internal/service"
	"github.com/spf13/cobra"
)

func newListCmd(newService func() (*service.Service, error)) *cobra.Command {
	var repo, arch, name string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored packages",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := newService()
			if err != nil {
				return err
			}
			if repo == "" {
				repo = svc.Config.Storage.DefaultRepo
			}
			if arch == "" {
				arch = svc.Config.Storage.DefaultArch
			}

			pkgs, err := svc.Storage.List(repo, arch)
			if err != nil {
				return err
			}

			for _, pkg := range pkgs {
				if name != "" && !strings.Contains(pkg.Name, name) {
					continue
				}
				fmt.Printf("%-30s %-15s %-10s %s\n", pkg.Name, pkg.Version, pkg.Arch, pkg.Filename)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "target-repo", "", "Repository to list (defaults to --repo)")
	cmd.Flags().StringVar(&arch, "target-arch", "", "Architecture to list (defaults to --arch)")
	cmd.Flags().StringVar(&name, "name", "", "Filter by package name substring")

	return cmd
}
