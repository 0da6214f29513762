package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vjranagit/tsreport/pkg/grid"
	"github.com/vjranagit/tsreport/pkg/task"
)

// settleDelay coalesces the burst of events an editor produces on save.
const settleDelay = 200 * time.Millisecond

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Fill a report template and refresh it incrementally on every save",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := openSession(cfg, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Editors replace files on save; watch the directory and filter by name.
	target, err := filepath.Abs(templatePath)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", target, err)
	}

	refresh := func() {
		comp, err := sess.report.Refresh(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			return
		case err != nil:
			logger.Error("refresh failed", zap.Error(err))
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\n[%s] %s (%d/%d)\n",
			time.Now().Format("15:04:05"), comp.Message, comp.SuccessCount, comp.TotalCount)
		render(cmd.OutOrStdout(), sess.sheet)
	}
	refresh()

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			settle = time.After(settleDelay)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("template watcher error", zap.Error(err))

		case <-settle:
			settle = nil
			if err := applyTemplate(sess, target); err != nil {
				logger.Warn("template not applied", zap.Error(err))
				continue
			}
			refresh()
		}
	}
}

// applyTemplate pushes the template's changed cells into the report as
// edits.
func applyTemplate(sess *session, path string) error {
	tpl, err := grid.LoadTemplate(path)
	if err != nil {
		return err
	}
	next, err := tpl.Positions()
	if err != nil {
		return err
	}

	edits := make(map[grid.Pos]string)
	for _, p := range sess.sheet.Changed(next) {
		// Cells written only by a fill have no text on either side.
		if sess.sheet.CellText(p.Row, p.Col) == next[p] {
			continue
		}
		edits[p] = next[p]
	}
	if len(edits) == 0 {
		return nil
	}

	if sess.report.State() == task.ReadOnlyRun {
		if err := sess.report.ExitRunMode(); err != nil {
			return err
		}
	}
	sess.logger.Info("template changed", zap.Int("cells", len(edits)))
	return sess.report.ApplyEdits(edits)
}
