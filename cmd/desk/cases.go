package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zulandar/casedesk/internal/caselist"
	"github.com/zulandar/casedesk/internal/config"
	"github.com/zulandar/casedesk/internal/models"
	"github.com/zulandar/casedesk/internal/previewcache"
)

func newCasesCmd(a *app) *cobra.Command {
	var (
		configPath string
		search     string
		cached     bool
	)

	cmd := &cobra.Command{
		Use:   "cases",
		Short: "List the agent's cases, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCases(cmd, a.logger(), configPath, search, cached)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVarP(&search, "search", "s", "", "only show cases matching this client, channel, sender or case id")
	cmd.Flags().BoolVar(&cached, "cached", false, "read the last snapshot from the preview cache instead of the backend")
	return cmd
}

func runCases(cmd *cobra.Command, log *zap.Logger, configPath, search string, cached bool) error {
	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()

	var cases []models.CaseSummary
	if cached {
		cases, err = cachedCases(ctx, cmd, cfg)
	} else {
		cases, err = fetchCases(ctx, cfg, log)
	}
	if err != nil {
		return err
	}

	cases = caselist.Filter(cases, search)
	if len(cases) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No cases found.")
		return nil
	}
	return writeCases(cmd.OutOrStdout(), cases)
}

// fetchCases reloads the list from the backend and publishes the snapshot to
// any configured sinks.
func fetchCases(ctx context.Context, cfg *config.Config, log *zap.Logger) ([]models.CaseSummary, error) {
	c, err := newConsole(cfg, log, nil)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	cache, err := caselist.New(caselist.Opts{Lister: c.backend, Sink: c.sinks(), Logger: log})
	if err != nil {
		return nil, err
	}
	return cache.Reload(ctx, cfg.AgentID)
}

func cachedCases(ctx context.Context, cmd *cobra.Command, cfg *config.Config) ([]models.CaseSummary, error) {
	pc, err := openPreviewCache(cfg)
	if err != nil {
		return nil, err
	}
	if pc == nil {
		return nil, fmt.Errorf("--cached needs preview_cache.addr in the config")
	}
	defer pc.Close()

	snap, err := pc.Load(ctx, cfg.AgentID)
	if errors.Is(err, previewcache.ErrMiss) {
		return nil, fmt.Errorf("no cached snapshot for agent %d; run \"desk cases\" first", cfg.AgentID)
	}
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Snapshot from %s\n", snap.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	return snap.Cases, nil
}
