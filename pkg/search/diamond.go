package search

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"iter"
	"os/exec"
	"strconv"
	"strings"

	"github.com/yumyai/dbcanlight/logger"
	"go.uber.org/zap"
)

// Diamond runs diamond blastp against the CAZy database.
type Diamond struct {
	DB       string
	Input    string
	Evalue   float64
	Coverage float64
	Threads  int

	err error
}

func (d *Diamond) args() []string {
	return []string{
		"blastp",
		"--db", d.DB,
		"--query", d.Input,
		"--evalue", strconv.FormatFloat(d.Evalue, 'g', -1, 64),
		"--threads", strconv.Itoa(max(d.Threads, 1)),
		"--query-cover", strconv.FormatFloat(d.Coverage, 'g', -1, 64),
		"--max-target-seqs", "1",
		"--outfmt", "6",
	}
}

// Rows streams the tabular (outfmt 6) alignments. Failures are reported by Err.
func (d *Diamond) Rows(ctx context.Context) iter.Seq[[]string] {
	return func(yield func([]string) bool) {
		d.err = nil
		bin, err := lookBinary("diamond", diamondHint)
		if err != nil {
			d.err = err
			return
		}

		args := d.args()
		logger.Debug("Command", zap.String("bin", bin), zap.Strings("args", args))

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		cmd := exec.CommandContext(ctx, bin, args...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			d.err = err
			return
		}
		if err := cmd.Start(); err != nil {
			d.err = fmt.Errorf("failed to execute diamond: %w", err)
			return
		}

		sc := bufio.NewScanner(stdout)
		stopped := false
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			if !yield(strings.Split(line, "\t")) {
				stopped = true
				cancel()
				break
			}
		}

		werr := cmd.Wait()
		switch {
		case stopped:
		case sc.Err() != nil:
			d.err = fmt.Errorf("read diamond output: %w", sc.Err())
		case werr != nil:
			d.err = fmt.Errorf("diamond failed: %w - %s", werr, strings.TrimSpace(stderr.String()))
		}
	}
}

func (d *Diamond) Err() error {
	return d.err
}

// MakeDB builds a diamond database from a protein fasta.
func MakeDB(ctx context.Context, fasta, out string, threads int) error {
	bin, err := lookBinary("diamond", diamondHint)
	if err != nil {
		return err
	}

	args := []string{"makedb", "--db", out, "--in", fasta, "--threads", strconv.Itoa(max(threads, 1)), "--quiet"}
	logger.Debug("Command", zap.String("bin", bin), zap.Strings("args", args))
	output, err := exec.CommandContext(ctx, bin, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s - %s", err, output)
	}
	return nil
}
