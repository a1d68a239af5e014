package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newCrawlCmd creates the 'crawl' subcommand. It resumes, joins or starts a
// crawl depending on the session found on the grid.
func newCrawlCmd() *cobra.Command {
	var clean bool
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Starts, resumes or joins the crawl",
		Long: `Looks up the crawler's session on the grid and either starts a new crawl,
resumes a paused or stopped one, runs an incremental recrawl of a completed
one, or joins a crawl other nodes are running. SIGINT and SIGTERM stop this
node after its in-flight documents.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if clean {
				if err := appInstance.Clean(ctx); err != nil {
					return fmt.Errorf("clean before crawl: %w", err)
				}
			}
			summary, err := appInstance.Crawl(ctx)
			if err != nil {
				return fmt.Errorf("crawl: %w", err)
			}
			appInstance.Logger().Info("crawl command finished",
				zap.String("state", string(summary.State)),
				zap.Int("processed", summary.Processed),
				zap.Int("queued", summary.Queued),
			)
			return nil
		},
	}
	cmd.Flags().BoolVar(&clean, "clean", false, "remove the crawler's grid state before crawling")
	return cmd
}
