package main

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/yumyai/dbcanlight/internal/util"
	"github.com/yumyai/dbcanlight/logger"
	"github.com/yumyai/dbcanlight/pkg/config"
	"github.com/yumyai/dbcanlight/pkg/db"
	"github.com/yumyai/dbcanlight/pkg/handler"
	"github.com/yumyai/dbcanlight/pkg/middle"
	"github.com/yumyai/dbcanlight/pkg/model"
	"github.com/yumyai/dbcanlight/pkg/pipeline"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const VERSION = "1.1.0"

const (
	maxBuildThreads  = 4
	defaultBlocksize = 100000
)

// app holds the flags shared by every subcommand and the config they load.
type app struct {
	cfgPath string
	verbose bool
	cfg     *config.Config
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if err := logger.InitLogger(zapcore.InfoLevel); err != nil {
		panic(err)
	}
	defer logger.Sync() // Make sure that the buffered is flushed.

	root := newRootCmd()
	root.SetArgs(args)
	if _, _, err := root.Find(args); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n%s", err, root.UsageString())
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		logger.Error(err.Error())
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:               "dbcanlight",
		Short:             "A lightweight CAZyme annotation tool",
		Version:           VERSION,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.SetVersionTemplate("{{.Version}}\n")
	root.Flags().BoolP("version", "V", false, "print the version")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "verbose mode for debug")
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "YAML config file (default <db dir>/config.yaml)")

	root.AddCommand(
		a.buildCmd(),
		a.searchCmd(),
		a.concludeCmd(),
		a.hmmparseCmd(),
		a.subparseCmd(),
		a.serveCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), VERSION)
			},
		},
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	if a.verbose {
		logger.SetLevel(zapcore.DebugLevel)
	}
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	logger.Debug("Start", zap.String("version", VERSION), zap.String("command", cmd.Name()), zap.String("db_dir", cfg.Dir))
	return nil
}

// threads returns the --threads value, or the config file value when the
// flag was left at its default.
func (a *app) threads(cmd *cobra.Command, n int) int {
	if !cmd.Flags().Changed("threads") && a.cfg.Threads > 0 {
		return a.cfg.Threads
	}
	return n
}

func (a *app) buildCmd() *cobra.Command {
	var (
		threads int
		force   bool
	)
	cmd := &cobra.Command{
		Use:   "build",
		Short: "download and prepare the databases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return pipeline.NewBuilder().Build(cmd.Context(), a.cfg, pipeline.BuildRequest{
				Force:   force,
				Threads: a.threads(cmd, threads),
				Report:  cmd.OutOrStdout(),
			})
		},
	}
	cmd.Flags().IntVarP(&threads, "threads", "t", min(util.AvailCPUs(), maxBuildThreads), "number of cpus to use (at most 4)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "force rebuild all databases")
	return cmd
}

func (a *app) searchCmd() *cobra.Command {
	var (
		req     pipeline.SearchRequest
		mode    string
		threads int
	)
	cmd := &cobra.Command{
		Use:   "search",
		Short: "search a protein fasta against cazyme, sub or diamond",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !util.FileExists(req.Input) {
				return fmt.Errorf("input %s: %w", req.Input, os.ErrNotExist)
			}
			m, err := model.ParseMode(mode)
			if err != nil {
				return err
			}
			req.Mode = m
			req.Threads = a.threads(cmd, threads)
			if req.Threads > util.AvailCPUs() {
				logger.Warn("Specified more threads than available CPUs", zap.Int("threads", req.Threads), zap.Int("available", util.AvailCPUs()))
			}

			path, err := pipeline.Search(cmd.Context(), a.cfg, req)
			if err != nil {
				return err
			}
			logger.Info("Done", zap.String("output", path))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&req.Input, "input", "i", "", "plain or gzipped protein fasta")
	f.StringVarP(&req.Output, "output", "o", ".", "output directory")
	f.StringVarP(&mode, "mode", "m", "", "search mode: cazyme, sub or diamond")
	f.StringVarP(&req.Evalue, "evalue", "e", "AUTO", "reporting evalue cutoff (AUTO: 1e-15 for hmm modes, 1e-102 for diamond)")
	f.Float64VarP(&req.Coverage, "coverage", "c", 0.35, "reporting coverage cutoff")
	f.IntVarP(&threads, "threads", "t", util.AvailCPUs(), "number of cpus to use")
	f.IntVarP(&req.Blocksize, "blocksize", "b", defaultBlocksize, "number of sequences per hmmsearch run (0: all at once)")
	cmd.MarkFlagRequired("input")
	cmd.MarkFlagRequired("mode")
	return cmd
}

func (a *app) concludeCmd() *cobra.Command {
	var dir, store string
	cmd := &cobra.Command{
		Use:   "conclude [folder]",
		Short: "merge the search results of a folder into overview.tsv",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				dir = args[0]
			}
			if !util.DirExists(dir) {
				return fmt.Errorf("results folder %s: %w", dir, os.ErrNotExist)
			}

			rows, err := pipeline.Conclude(cmd.Context(), a.cfg, dir)
			if err != nil {
				return err
			}
			if store == "" {
				return nil
			}

			s, err := db.OpenStore(store)
			if err != nil {
				return err
			}
			defer s.Close()
			run, err := s.SaveRun(cmd.Context(), dir, rows)
			if err != nil {
				return err
			}
			logger.Info("Stored overview", zap.String("run_id", run.ID), zap.Int("genes", len(rows)), zap.String("db", store))
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "input", "i", ".", "folder holding the search results (or give it as the argument)")
	cmd.Flags().StringVar(&store, "db", "", "also store the overview in this SQLite file")
	return cmd
}

func (a *app) hmmparseCmd() *cobra.Command {
	var (
		input, output    string
		evalue, coverage float64
	)
	cmd := &cobra.Command{
		Use:   "hmmparse",
		Short: "filter and resolve a hmmsearch domtblout or dbcan table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := model.ParseHmmsearchFile(input)
			if err != nil {
				return err
			}
			hits := model.Resolve(func(yield func(model.GeneHitSet) bool) {
				yield(p.Filter(evalue, coverage))
			})
			return writeOut(cmd, output, model.CazymeHeader, model.HitRows(hits))
		},
	}
	f := cmd.Flags()
	f.StringVarP(&input, "input", "i", "", "hmmsearch domtblout or dbcan formatted table")
	f.StringVarP(&output, "output", "o", "", "output file (default stdout)")
	f.Float64VarP(&evalue, "evalue", "e", 1e-15, "reporting evalue cutoff")
	f.Float64VarP(&coverage, "coverage", "c", 0.35, "reporting coverage cutoff")
	cmd.MarkFlagRequired("input")
	return cmd
}

func (a *app) subparseCmd() *cobra.Command {
	var input, output string
	cmd := &cobra.Command{
		Use:   "subparse",
		Short: "map substrates onto a dbcan-sub table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mapping := a.cfg.DBPath(config.SubsMapper)
			if err := db.Require(mapping); err != nil {
				return err
			}

			p, err := model.ParseHmmsearchFile(input)
			if err != nil {
				return err
			}
			if !p.DbcanFormat {
				return errors.New("subparse expects a dbcan formatted table, run hmmparse first")
			}
			subs, err := model.LoadSubstrateMap(mapping)
			if err != nil {
				return err
			}

			hits := func(yield func(model.Resolved) bool) {
				for _, h := range p.Hits {
					if !yield(model.Display(h)) {
						return
					}
				}
			}
			return writeOut(cmd, output, model.SubstrateHeader, subs.Map(hits))
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "dbcan formatted table of a dbcan-sub search")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	cmd.MarkFlagRequired("input")
	return cmd
}

func writeOut(cmd *cobra.Command, path string, header []string, rows iter.Seq[[]string]) error {
	if path == "" {
		_, err := model.WriteRows(cmd.OutOrStdout(), header, rows)
		return err
	}
	_, err := model.WriteTable(path, header, rows)
	return err
}

func (a *app) serveCmd() *cobra.Command {
	var dbPath, addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "browse a stored overview over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := db.OpenStore(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			mux := handler.NewRouter(&handler.DBContext{Store: store})
			zl := logger.L()
			srv := &http.Server{
				Addr:              addr,
				Handler:           middle.Chain(mux, middle.RequestIDMiddleware(zl), middle.LoggingMiddleware(zl)),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx := cmd.Context()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()

			logger.Info("Open database on", zap.String("DB_LOC", dbPath))
			logger.Info("Server starting", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite file written by conclude --db")
	cmd.Flags().StringVar(&addr, "addr", "0.0.0.0:8080", "listen address")
	cmd.MarkFlagRequired("db")
	return cmd
}
