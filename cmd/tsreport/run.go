package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vjranagit/tsreport/internal/config"
	"github.com/vjranagit/tsreport/pkg/fetch"
	"github.com/vjranagit/tsreport/pkg/grid"
	"github.com/vjranagit/tsreport/pkg/report"
	"github.com/vjranagit/tsreport/pkg/storage"
	"github.com/vjranagit/tsreport/pkg/task"
)

var (
	templatePath string
	reportDate   string

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Fill a report template once and print the grid",
		Args:  cobra.NoArgs,
		RunE:  runOnce,
	}
)

func init() {
	for _, c := range []*cobra.Command{runCmd, watchCmd} {
		c.Flags().StringVarP(&templatePath, "template", "t", "", "YAML grid template")
		c.Flags().StringVar(&reportDate, "date", "", "report date for a bare #Date marker (2006-01-02)")
		_ = c.MarkFlagRequired("template")
	}
}

func runOnce(cmd *cobra.Command, _ []string) error {
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

	comp, err := sess.report.Refresh(ctx)
	if err != nil {
		return err
	}
	render(cmd.OutOrStdout(), sess.sheet)
	if !comp.Success {
		return fmt.Errorf("refresh failed: %s", comp.Message)
	}
	return nil
}

// session is one report over a template sheet and its data source.
type session struct {
	sheet   *grid.Sheet
	report  *report.Report
	timeout time.Duration
	closers []func() error
	logger  *zap.Logger
}

func openSession(cfg *config.Config, logger *zap.Logger) (*session, error) {
	tpl, err := grid.LoadTemplate(templatePath)
	if err != nil {
		return nil, err
	}
	sheet, err := tpl.Sheet()
	if err != nil {
		return nil, err
	}

	opts, err := cfg.ToReportOptions()
	if err != nil {
		return nil, err
	}
	if tpl.Variant != "" {
		if opts.Variant.Kind, err = report.ParseKind(tpl.Variant); err != nil {
			return nil, err
		}
	}
	if reportDate != "" {
		if opts.ReportDate, err = time.ParseInLocation("2006-01-02", reportDate, opts.Location); err != nil {
			return nil, fmt.Errorf("invalid --date: %w", err)
		}
	}

	s := &session{sheet: sheet, timeout: opts.ShutdownTimeout, logger: logger}
	f, err := s.openFetcher(cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.report = report.New(sheet, f, opts,
		report.WithLogger(logger),
		report.WithSink(logSink{logger: logger}))
	return s, nil
}

// openFetcher builds the configured source behind a result cache.
func (s *session) openFetcher(cfg *config.Config, logger *zap.Logger) (fetch.Fetcher, error) {
	var f fetch.Fetcher
	switch cfg.Fetch.Source {
	case "influx":
		ic, err := cfg.ToInfluxConfig()
		if err != nil {
			return nil, err
		}
		inf, err := fetch.NewInfluxFetcher(ic, logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() error { inf.Close(); return nil })
		f = inf
	case "http":
		hf, err := fetch.NewHTTPFetcher(cfg.ToHTTPConfig())
		if err != nil {
			return nil, err
		}
		f = hf
	default:
		sc, err := cfg.ToStorageConfig()
		if err != nil {
			return nil, err
		}
		store, err := storage.NewStorage(sc, logger)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, store.Close)
		f = fetch.Observed(storage.Source, store)
	}
	return fetch.NewCachingFetcher(f, cfg.Fetch.CacheSize, cfg.Fetch.CacheTTL), nil
}

// Close stops the report and releases the data source.
func (s *session) Close() {
	if s.report != nil {
		if err := s.report.Close(s.timeout); err != nil {
			s.logger.Warn("report close", zap.Error(err))
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("source close", zap.Error(err))
		}
	}
}

// logSink reports task events through the logger.
type logSink struct {
	logger *zap.Logger
}

func (l logSink) Progress(runID string, current, total int) {
	l.logger.Debug("progress", zap.String("run", runID), zap.Int("current", current), zap.Int("total", total))
}

func (l logSink) Stage(runID, stage string) {
	l.logger.Debug("stage", zap.String("run", runID), zap.String("stage", stage))
}

func (l logSink) Completed(c task.Completion) {
	l.logger.Info("task completed",
		zap.String("run", c.RunID),
		zap.String("name", c.Name),
		zap.Bool("success", c.Success),
		zap.String("message", c.Message),
		zap.Int("succeeded", c.SuccessCount),
		zap.Int("total", c.TotalCount),
		zap.Duration("duration", c.Duration))
}

// render prints the grid as aligned columns with spreadsheet headers.
func render(w io.Writer, g grid.Grid) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for col := 0; col < g.ColumnCount(); col++ {
		fmt.Fprintf(tw, "\t%s", grid.ColumnName(col))
	}
	fmt.Fprintln(tw)
	for row := 0; row < g.RowCount(); row++ {
		fmt.Fprintf(tw, "%d", row+1)
		for col := 0; col < g.ColumnCount(); col++ {
			fmt.Fprintf(tw, "\t%s", shown(g.Cell(row, col)))
		}
		fmt.Fprintln(tw)
	}
	_ = tw.Flush()
}

func shown(c *grid.Cell) string {
	switch {
	case c == nil:
		return ""
	case c.Kind == grid.KindFormula && c.Calculated:
		return c.Result
	case c.Display != "":
		return c.Display
	default:
		return c.Text
	}
}
