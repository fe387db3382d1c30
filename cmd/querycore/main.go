// Command querycore serves the query engine over HTTP, or runs a single
// statement from the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/guileen/querycore/catalog"
	"github.com/guileen/querycore/config"
	"github.com/guileen/querycore/logger"
	"github.com/guileen/querycore/protocol/api"
	"github.com/guileen/querycore/protocol/sql"
	"github.com/guileen/querycore/storage/memstore"
	"github.com/guileen/querycore/types"
)

type Options struct {
	Config   string        `short:"c" long:"config" description:"YAML configuration file"`
	Addr     string        `short:"a" long:"addr" description:"HTTP listen address, overrides server.addr"`
	LogLevel string        `long:"log-level" description:"TRACE, DEBUG, INFO, WARN or ERROR, overrides log.level"`
	Seed     int           `long:"seed" default:"0" description:"create demo customers and orders tables with this many orders"`
	Timeout  time.Duration `long:"timeout" default:"30s" description:"per-statement timeout for HTTP requests"`
	Query    string        `short:"q" long:"query" description:"run one SQL text, print the result and exit"`
	Explain  bool          `long:"explain" description:"with --query, print the plan instead of running it"`
}

func main() {
	var opts Options
	if _, err := flags.Parse(&opts); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if err := run(opts, os.Stdout); err != nil {
		logger.Error("querycore failed", logger.ErrorField(err))
		logger.Close()
		os.Exit(1)
	}
	logger.Close()
}

func loadConfig(opts Options) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, err
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	return cfg, nil
}

func configureLogger(cfg *config.Config) error {
	lc := logger.DefaultConfig()
	level, ok := logger.ParseLevel(cfg.Log.Level)
	if !ok {
		return fmt.Errorf("unknown log level %q", cfg.Log.Level)
	}
	lc.Level = level
	lc.Format = cfg.Log.Format
	lc.SeqURL = cfg.Log.SeqURL
	logger.Configure(lc)
	return nil
}

func run(opts Options, out io.Writer) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := configureLogger(cfg); err != nil {
		return err
	}

	engine, err := sql.New(cfg, memstore.New(), catalog.NewMemoryCatalog())
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.Seed > 0 {
		if err := seed(ctx, engine, opts.Seed); err != nil {
			return fmt.Errorf("seed demo tables: %w", err)
		}
	}

	if opts.Query != "" {
		if opts.Explain {
			node, err := engine.Explain(ctx, opts.Query, false)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, node.Text())
			return err
		}
		result, err := engine.Execute(ctx, opts.Query)
		if err != nil {
			return err
		}
		return printResult(out, result)
	}
	return serve(ctx, cfg, engine, opts.Timeout)
}

func serve(ctx context.Context, cfg *config.Config, engine *sql.Engine, timeout time.Duration) error {
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewRESTHandler(engine, timeout).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("http server listening", logger.Component("server"), logger.String("addr", cfg.Server.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", logger.Component("server"))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func printResult(out io.Writer, result *types.QueryResult) error {
	if len(result.Columns) == 0 {
		n := int64(0)
		if result.AffectedRows != nil {
			n = *result.AffectedRows
		}
		_, err := fmt.Fprintf(out, "%d rows affected (%s)\n", n, result.ExecutionTime)
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(result.Columns, "\t"))
	for _, row := range result.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = v.String()
		}
		fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(out, "WARNING: %s\n", w)
	}
	_, err := fmt.Fprintf(out, "(%d rows, %s)\n", len(result.Rows), result.ExecutionTime)
	return err
}
