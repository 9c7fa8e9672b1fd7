package search

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/yumyai/dbcanlight/logger"
	"github.com/yumyai/dbcanlight/pkg/model"
	"go.uber.org/zap"
)

// MissingBinaryError is returned when an external program is not on PATH.
type MissingBinaryError struct {
	Name    string
	Conda   string
	Website string
}

func (e *MissingBinaryError) Error() string {
	return fmt.Sprintf("%s not found in PATH. Install it with conda (%s) or from %s", e.Name, e.Conda, e.Website)
}

var (
	hmmerHint   = MissingBinaryError{Conda: "bioconda::hmmer", Website: "http://hmmer.org"}
	diamondHint = MissingBinaryError{Conda: "bioconda::diamond", Website: "https://github.com/bbuchfink/diamond"}
)

func lookBinary(name string, hint MissingBinaryError) (string, error) {
	path, err := exec.LookPath(name)
	if err != nil {
		hint.Name = name
		return "", &hint
	}
	return path, nil
}

var errStopped = errors.New("iteration stopped")

// Hmmer runs hmmsearch over a fasta file block by block.
type Hmmer struct {
	HMMs      string
	Input     string
	Evalue    float64
	Coverage  float64
	Threads   int
	Blocksize int

	err error
}

// Batches yields the filtered hits of each fasta block. Iteration stops at
// the first failure, which is then reported by Err.
func (h *Hmmer) Batches(ctx context.Context) iter.Seq[model.GeneHitSet] {
	return func(yield func(model.GeneHitSet) bool) {
		h.err = nil
		bin, err := lookBinary("hmmsearch", hmmerHint)
		if err != nil {
			h.err = err
			return
		}

		in, err := openFasta(h.Input)
		if err != nil {
			h.err = err
			return
		}
		defer in.Close()

		tmp, err := os.MkdirTemp("", "dbcanlight-hmm-")
		if err != nil {
			h.err = err
			return
		}
		defer os.RemoveAll(tmp)

		err = splitFasta(in, tmp, h.Blocksize, func(block string, first, n int) error {
			if h.Blocksize > 0 {
				logger.Debug("Hmmsearch on sequences",
					zap.Int("from", first), zap.Int("to", first+n-1))
			}
			hits, err := h.runBlock(ctx, bin, block, tmp)
			if err != nil {
				return err
			}
			logger.Info("Found genes with hits", zap.Int("count", len(hits)))
			if !yield(hits) {
				return errStopped
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopped) {
			h.err = err
		}
	}
}

// Err returns the failure that ended the last Batches iteration, if any.
func (h *Hmmer) Err() error {
	return h.err
}

func (h *Hmmer) runBlock(ctx context.Context, bin, block, tmp string) (model.GeneHitSet, error) {
	domtbl := filepath.Join(tmp, filepath.Base(block)+".domtbl")
	defer os.Remove(domtbl)

	args := []string{
		"--cpu", strconv.Itoa(max(h.Threads, 1)),
		"--noali",
		"--domtblout", domtbl,
		"-o", os.DevNull,
		h.HMMs, block,
	}
	logger.Debug("Command", zap.String("bin", bin), zap.Strings("args", args))

	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("failed to execute hmmsearch: %w - %s", err, stderr.String())
	}

	f, err := os.Open(domtbl)
	if err != nil {
		return nil, fmt.Errorf("read hmmsearch output: %w", err)
	}
	defer f.Close()
	return model.ScanDomtbl(f, h.Evalue, h.Coverage)
}

// Press builds the binary index of an HMM file with hmmpress, replacing any
// previous index files.
func Press(ctx context.Context, hmmFile string) error {
	bin, err := lookBinary("hmmpress", hmmerHint)
	if err != nil {
		return err
	}
	for _, suffix := range []string{"h3f", "h3i", "h3m", "h3p"} {
		_ = os.Remove(hmmFile + "." + suffix)
	}

	logger.Debug("Pressing", zap.String("hmm", hmmFile))
	out, err := exec.CommandContext(ctx, bin, "-f", hmmFile).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s - %s", err, out)
	}
	return nil
}
