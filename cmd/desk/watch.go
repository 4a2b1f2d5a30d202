package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zulandar/casedesk/internal/caselist"
	"github.com/zulandar/casedesk/internal/models"
	"github.com/zulandar/casedesk/internal/session"
)

func newWatchCmd(a *app) *cobra.Command {
	var (
		configPath string
		caseID     int64
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the agent's cases and one conversation live",
		Long: "Starts a console session and prints new messages on the selected case and\n" +
			"activity on every other case until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, a.logger(), configPath, caseID)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().Int64Var(&caseID, "case", 0, "case to open (only case list activity when 0)")
	return cmd
}

// watcher prints session updates. Updates arrive from the stream pumps, so
// writes are serialized.
type watcher struct {
	mu   sync.Mutex
	out  io.Writer
	sess *session.Session

	// Rows already printed for caseID, keyed by rowKey.
	caseID int64
	seen   map[string]bool
}

func (w *watcher) handle(u session.Update) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sess == nil {
		return
	}

	switch u.Kind {
	case session.UpdateTimeline:
		w.printRows(u.CaseID, w.sess.Messages())
	case session.UpdateCases:
		active, _ := w.sess.ActiveCase()
		if u.CaseID == 0 || u.CaseID == active {
			return
		}
		if cs, ok := w.sess.Case(u.CaseID); ok && cs.UnreadCount > 0 {
			fmt.Fprintf(w.out, "* case %d (%s): %d unread, %q\n",
				cs.CaseID, cs.ClientName, cs.UnreadCount, truncate(cs.LastMessagePreview, previewWidth))
		}
	case session.UpdateState:
		fmt.Fprintf(w.out, "-- %s\n", w.sess.State())
	}
}

// printRows writes the rows of msgs not yet printed for caseID. A pending
// row and its confirmation have different keys, so both are printed once.
// Rows that disappear are not reprinted.
func (w *watcher) printRows(caseID int64, msgs []models.Message) {
	if caseID != w.caseID || w.seen == nil {
		w.caseID = caseID
		w.seen = make(map[string]bool)
	}
	for _, m := range msgs {
		k := rowKey(m)
		if w.seen[k] {
			continue
		}
		w.seen[k] = true
		fmt.Fprintln(w.out, formatMessage(m))
	}
}

func rowKey(m models.Message) string {
	switch {
	case m.ID != 0:
		return "id:" + strconv.FormatInt(m.ID, 10)
	case m.ChannelMessageID != "":
		return "ch:" + m.ChannelMessageID
	default:
		return "row:" + formatMessage(m)
	}
}

func (w *watcher) attach(sess *session.Session) {
	w.mu.Lock()
	w.sess = sess
	w.mu.Unlock()
}

func runWatch(cmd *cobra.Command, log *zap.Logger, configPath string, caseID int64) error {
	cfg, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	w := &watcher{out: out}
	c, err := newConsole(cfg, log, w.handle)
	if err != nil {
		return err
	}
	defer c.Close()
	w.attach(c.sess)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.sess.Start(ctx, cfg.AgentID); err != nil {
		return err
	}
	if err := writeCases(out, c.sess.Cases()); err != nil {
		return err
	}
	if caseID > 0 {
		fmt.Fprintf(out, "\nCase %d:\n", caseID)
		if err := c.sess.SelectCase(ctx, caseID); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if expr := cfg.Cases.RefreshCron; expr != "" {
		r, err := caselist.NewRefresher(expr, c.sess.ReloadCases, log)
		if err != nil {
			return err
		}
		g.Go(func() error {
			r.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err = g.Wait()
	fmt.Fprintln(out, "\nStopping watch...")
	return err
}
