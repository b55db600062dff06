package cli

import (
	"fmt"

	"github.com/ralt/pkgrepo/internal/service"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRebuildCmd(newService func() (*service.Service, error)) *cobra.Command {
	var repo, arch string

	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Force an immediate repository database rebuild",
		Long: `Bypasses the debounce window and regenerates the .db.tar.gz and
.files.tar.gz archives for one repo/arch pair right away.`,
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

			go svc.Run()
			svc.ForceRebuild(repo, arch)
			svc.Actor.Shutdown()
			<-svc.Done()

			fmt.Printf("rebuilt %s/%s\n", repo, arch)
			logrus.WithField("repo", repo).WithField("arch", arch).Info("pkgrepoctl: rebuild complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&repo, "target-repo", "", "Repository to rebuild (defaults to --repo)")
	cmd.Flags().StringVar(&arch, "target-arch", "", "Architecture to rebuild (defaults to --arch)")

	return cmd
}
