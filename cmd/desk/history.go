package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zulandar/casedesk/internal/models"
)

func newHistoryCmd(a *app) *cobra.Command {
	var (
		configPath string
		offline    bool
	)

	cmd := &cobra.Command{
		Use:   "history <case-id>",
		Short: "Print a case transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caseID, err := parseCaseID(args[0])
			if err != nil {
				return err
			}
			return runHistory(cmd, a.logger(), configPath, caseID, offline)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVar(&offline, "offline", false, "read the local archive instead of the backend")
	return cmd
}

func parseCaseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid case id %q", s)
	}
	return id, nil
}

func runHistory(cmd *cobra.Command, log *zap.Logger, configPath string, caseID int64, offline bool) error {
	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}
	ctx := context.Background()

	var msgs []models.Message
	if offline {
		st, err := openArchive(cfg)
		if err != nil {
			return err
		}
		if st == nil {
			return fmt.Errorf("--offline needs archive.driver in the config")
		}
		defer st.Close()
		msgs, err = st.History(ctx, caseID)
		if err != nil {
			return err
		}
	} else {
		backend, err := newBackend(cfg, log)
		if err != nil {
			return err
		}
		msgs, err = backend.History(ctx, caseID)
		if err != nil {
			return err
		}
	}

	if len(msgs) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No messages in case %d.\n", caseID)
		return nil
	}
	writeMessages(cmd.OutOrStdout(), msgs)
	return nil
}
