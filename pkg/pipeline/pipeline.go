// Package pipeline wires the search runners, the overlap resolver and the
// conclude stage into the build, search and conclude commands.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/yumyai/dbcanlight/internal/util"
	"github.com/yumyai/dbcanlight/logger"
	"github.com/yumyai/dbcanlight/pkg/config"
	"github.com/yumyai/dbcanlight/pkg/db"
	"github.com/yumyai/dbcanlight/pkg/model"
	"github.com/yumyai/dbcanlight/pkg/search"
	"go.uber.org/zap"
)

const (
	defaultHmmEvalue     = 1e-15
	defaultDiamondEvalue = 1e-102
)

// SearchRequest holds the parameters of one search run. Evalue may be "AUTO".
type SearchRequest struct {
	Input     string
	Output    string
	Mode      model.Mode
	Evalue    string
	Coverage  float64
	Threads   int
	Blocksize int
}

// ParseEvalue resolves "AUTO" to the default cutoff of mode.
func ParseEvalue(s string, mode model.Mode) (float64, error) {
	if s == "" || strings.EqualFold(s, "AUTO") {
		if mode == model.ModeDiamond {
			return defaultDiamondEvalue, nil
		}
		return defaultHmmEvalue, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid evalue %q: %w", s, err)
	}
	return v, nil
}

// Search runs one search mode and writes its table into req.Output. It
// returns the path of the written table.
func Search(ctx context.Context, cfg *config.Config, req SearchRequest) (string, error) {
	if _, err := model.ParseMode(string(req.Mode)); err != nil {
		return "", err
	}
	if req.Mode != model.ModeDiamond && req.Blocksize < 0 {
		return "", fmt.Errorf("blocksize=%d which is smaller than 0", req.Blocksize)
	}

	evalue, err := ParseEvalue(req.Evalue, req.Mode)
	if err != nil {
		return "", err
	}
	if err := db.Require(cfg.ModeDatabases(req.Mode)...); err != nil {
		return "", err
	}

	output := cfg.OutputPath(req.Output, req.Mode)
	threads := util.ClampThreads(req.Threads)

	switch req.Mode {
	case model.ModeCazyme, model.ModeSub:
		hmms := cfg.DBPath(config.CazymeHMMs)
		if req.Mode == model.ModeSub {
			hmms = cfg.DBPath(config.SubsHMMs)
		}
		runner := &search.Hmmer{
			HMMs:      hmms,
			Input:     req.Input,
			Evalue:    evalue,
			Coverage:  req.Coverage,
			Threads:   threads,
			Blocksize: req.Blocksize,
		}
		// Batches are produced one hmmsearch run at a time; resolving them
		// is sharded over the same thread budget.
		hits := model.ResolveParallel(ctx, runner.Batches(ctx), threads)

		rows := model.HitRows(hits)
		if req.Mode == model.ModeSub {
			subs, err := model.LoadSubstrateMap(cfg.DBPath(config.SubsMapper))
			if err != nil {
				return "", fmt.Errorf("load substrate mapping: %w", err)
			}
			rows = subs.Map(hits)
		}

		n, err := model.WriteTable(output, req.Mode.Header(), rows)
		if err != nil {
			return "", err
		}
		if err := runner.Err(); err != nil {
			return "", err
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		logger.Info("Search finished", zap.String("mode", string(req.Mode)), zap.Int("hits", n))

	case model.ModeDiamond:
		if req.Blocksize != 0 {
			logger.Warn(`Parameter "blocksize" is not applicable on diamond.`)
		}
		runner := &search.Diamond{
			DB:       cfg.DBPath(config.Diamond),
			Input:    req.Input,
			Evalue:   evalue,
			Coverage: req.Coverage,
			Threads:  threads,
		}
		n, err := model.WriteTable(output, model.DiamondHeader, runner.Rows(ctx))
		if err != nil {
			return "", err
		}
		if err := runner.Err(); err != nil {
			return "", err
		}
		logger.Info("Search finished", zap.String("mode", string(req.Mode)), zap.Int("hits", n))
	}

	return output, nil
}

// LoadSources reads the per-mode tables found in dir. Missing tables are
// logged and skipped.
func LoadSources(cfg *config.Config, dir string) ([]model.Table, error) {
	var tables []model.Table
	for _, mode := range model.Modes {
		path := cfg.OutputPath(dir, mode)
		if !util.FileExists(path) {
			logger.Warn("Results not exists", zap.String("mode", string(mode)), zap.String("path", path))
			continue
		}

		logger.Info("Processing", zap.String("path", path))
		t, err := model.ReadTable(path, mode)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, nil
}

// Conclude merges the per-mode tables in dir into the overview table.
func Conclude(ctx context.Context, cfg *config.Config, dir string) ([]model.OverviewRow, error) {
	tables, err := LoadSources(cfg, dir)
	if err != nil {
		return nil, err
	}

	rows, err := model.Aggregate(tables)
	if err != nil {
		return nil, err
	}

	seq := func(yield func([]string) bool) {
		for _, r := range rows {
			if !yield(r.Fields()) {
				return
			}
		}
	}
	if _, err := model.WriteTable(filepath.Join(dir, cfg.Overview), model.OverviewHeader, seq); err != nil {
		return nil, err
	}
	return rows, nil
}

// checkWritable fails when dir cannot be created or written.
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("the config folder %s is not writable: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".write-test-")
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("the config folder %s is not writable", dir)
		}
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
