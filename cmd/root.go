// Package cmd defines and implements the CLI commands for the gridcrawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/gridcrawler/internal/app"
	"github.com/JakeFAU/gridcrawler/internal/config"
	"github.com/JakeFAU/gridcrawler/internal/crawl"
)

const closeTimeout = 15 * time.Second

// appKeyType is the key for storing the App in the context.
type appKeyType string

const (
	appKey     appKeyType = "app"
	controlKey appKeyType = "control"
)

// gridOnly marks commands that run on a Controller instead of a full node.
const gridOnly = "grid-only"

// App is what the commands need from a built node. Tests inject a fake.
type App interface {
	Crawl(ctx context.Context) (crawl.Summary, error)
	Clean(ctx context.Context) error
	Export(ctx context.Context, dir string, pretty bool) (string, error)
	Import(ctx context.Context, file string) error
	Logger() *zap.Logger
	Close(ctx context.Context) error
}

// Controller signals running nodes through the grid alone.
type Controller interface {
	Stop(ctx context.Context) error
	Close(ctx context.Context) error
}

type closer interface {
	Close(ctx context.Context) error
}

// newApp and newControl are the factories, replaced in tests.
var (
	newApp = func(ctx context.Context, cfg config.Config) (App, error) {
		return app.Build(ctx, cfg)
	}
	newControl = func(ctx context.Context, cfg config.Config) (Controller, error) {
		return app.OpenControl(ctx, cfg)
	}
)

// newRootCmd creates the root command. Whatever is opened for the subcommand
// is stored in built so the caller can close it whatever the outcome.
func newRootCmd(built *closer) *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "gridcrawler",
		Short: "A resumable crawler whose state lives on a shared grid.",
		Long: `gridcrawler crawls from a set of start references and commits every
document it finds. Queues, processed documents and the session record live
on a shared grid, so several nodes can work one crawl and a stopped or
paused crawl picks up where it left off.`,
		SilenceUsage: true,

		// Builds the node once flags are parsed, before the subcommand runs.
		// Grid-only commands open just the grid.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Annotations[gridOnly] == "true" {
				control, err := newControl(cmd.Context(), cfg)
				if err != nil {
					return fmt.Errorf("failed to open grid: %w", err)
				}
				*built = control
				cmd.SetContext(context.WithValue(cmd.Context(), controlKey, control))
				return nil
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			*built = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env GRIDCRAWLER_* overrides apply)")

	cmd.AddCommand(
		newCrawlCmd(),
		newCleanCmd(),
		newStopCmd(),
		newExportCmd(),
		newImportCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

func resolveControl(ctx context.Context) (Controller, error) {
	control, ok := ctx.Value(controlKey).(Controller)
	if !ok || control == nil {
		return nil, errors.New("grid not opened")
	}
	return control, nil
}

func execute(ctx context.Context, args []string) error {
	var built closer
	root := newRootCmd(&built)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if built != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		err = errors.Join(err, built.Close(closeCtx))
	}
	return err
}

// Execute is the main entry point.
func Execute() {
	if err := execute(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "gridcrawler: %v\n", err)
		os.Exit(1)
	}
}
