package model

import (
	"bufio"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"github.com/yumyai/dbcanlight/logger"
	"go.uber.org/zap"
)

// TableError reports a row whose column count does not match its mode.
type TableError struct {
	Source string
	Line   int
	Want   int
	Got    int
}

func (e *TableError) Error() string {
	return fmt.Sprintf("%s line %d: expected %d columns, got %d", e.Source, e.Line, e.Want, e.Got)
}

// Table is one per-mode source of the conclude stage, header already removed.
type Table struct {
	Mode Mode
	Rows [][]string
}

// ReadTable reads a tab separated file, skips its header and checks that every
// row has the column count of mode.
func ReadTable(path string, mode Mode) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return Table{}, err
	}
	defer f.Close()
	return readTable(f, path, mode)
}

func readTable(r io.Reader, source string, mode Mode) (Table, error) {
	want := len(mode.Header())
	table := Table{Mode: mode}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if line == 1 {
			continue
		}
		text := strings.TrimRight(sc.Text(), "\r")
		if text == "" {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) != want {
			return Table{}, &TableError{Source: source, Line: line, Want: want, Got: len(fields)}
		}
		table.Rows = append(table.Rows, fields)
	}
	if err := sc.Err(); err != nil {
		return Table{}, fmt.Errorf("read %s: %w", source, err)
	}
	return table, nil
}

// WriteTable writes header and rows as TSV, creating parent directories.
// It returns the number of rows written.
func WriteTable(path string, header []string, rows iter.Seq[[]string]) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("create output folder: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}

	logger.Info("Write output", zap.String("path", path))
	n, werr := WriteRows(f, header, rows)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	return n, werr
}

// WriteRows writes header and rows as TSV to w.
func WriteRows(w io.Writer, header []string, rows iter.Seq[[]string]) (int, error) {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(strings.Join(header, "\t") + "\n"); err != nil {
		return 0, err
	}

	n := 0
	for row := range rows {
		if _, err := bw.WriteString(strings.Join(row, "\t") + "\n"); err != nil {
			return n, err
		}
		n++
	}
	return n, bw.Flush()
}

// HitRows adapts resolved hits to output rows.
func HitRows(hits iter.Seq[Resolved]) iter.Seq[[]string] {
	return func(yield func([]string) bool) {
		for h := range hits {
			if !yield(h.Fields()) {
				return
			}
		}
	}
}
