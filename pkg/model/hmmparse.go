package model

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/yumyai/dbcanlight/logger"
	"go.uber.org/zap"
)

var (
	ErrNotTable     = errors.New("cannot find delimiter, the input does not appear to be in table format")
	ErrUnknownTable = errors.New("input is neither hmmer3 nor dbcan format")
)

// Column positions of a HMMER3 --domtblout line.
const (
	domTarget  = 0
	domTLen    = 2
	domQuery   = 3
	domQLen    = 5
	domIEvalue = 12
	domHmmFrom = 15
	domHmmTo   = 16
	domAliFrom = 17
	domAliTo   = 18
	domMinCols = 22
)

// HmmsearchParser holds hits read from a hmmsearch domtblout or a dbcan table.
type HmmsearchParser struct {
	Hits        []Hit
	DbcanFormat bool
}

func ParseHmmsearchFile(path string) (*HmmsearchParser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseHmmsearch(f)
}

// ParseHmmsearch detects the input layout from its first data lines.
func ParseHmmsearch(r io.Reader) (*HmmsearchParser, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")

	if hits, ok, err := parseDomtbl(lines); ok {
		if err != nil {
			return nil, err
		}
		logger.Info("Input is hmmer3 format")
		return &HmmsearchParser{Hits: hits}, nil
	}

	hits, err := parseDbcan(lines)
	if err != nil {
		return nil, err
	}
	logger.Info("Input is dbcan format")
	return &HmmsearchParser{Hits: hits, DbcanFormat: true}, nil
}

// parseDomtbl reports ok=false when the lines do not look like domtblout.
func parseDomtbl(lines []string) ([]Hit, bool, error) {
	var hits []Hit
	sawComment := false
	for _, line := range lines {
		if strings.HasPrefix(line, "#") {
			sawComment = true
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if strings.Contains(line, "\t") || len(fields) < domMinCols {
			return nil, false, nil
		}
		h, err := domtblHit(fields)
		if err != nil {
			return nil, true, err
		}
		hits = append(hits, h)
	}
	if !sawComment && len(hits) == 0 {
		return nil, false, nil
	}
	return hits, true, nil
}

func domtblHit(f []string) (Hit, error) {
	var h Hit
	var err error
	h.GeneID = f[domTarget]
	h.Profile = f[domQuery]

	ints := []struct {
		col  int
		name string
		dst  *int
	}{
		{domTLen, "tlen", &h.GeneLength},
		{domQLen, "qlen", &h.ProfileLength},
		{domHmmFrom, "hmm from", &h.ProfileStart},
		{domHmmTo, "hmm to", &h.ProfileEnd},
		{domAliFrom, "ali from", &h.GeneStart},
		{domAliTo, "ali to", &h.GeneEnd},
	}
	for _, c := range ints {
		if *c.dst, err = strconv.Atoi(f[c.col]); err != nil {
			return Hit{}, &ParseError{Column: c.name, Value: f[c.col], Err: err}
		}
	}
	if h.Evalue, err = strconv.ParseFloat(f[domIEvalue], 64); err != nil {
		return Hit{}, &ParseError{Column: "i-Evalue", Value: f[domIEvalue], Err: err}
	}
	if h.ProfileLength > 0 {
		h.Coverage = float64(h.ProfileEnd-h.ProfileStart) / float64(h.ProfileLength)
	}
	return h, nil
}

func parseDbcan(lines []string) ([]Hit, error) {
	var rows [][]string
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		rows = append(rows, strings.Split(line, "\t"))
	}
	if len(rows) == 0 || len(rows[0]) < 2 {
		return nil, ErrNotTable
	}

	// A first row that does not parse is taken as the header.
	if _, err := ParseHit(rows[0]); err != nil {
		if len(rows[0]) != len(CazymeHeader) {
			return nil, ErrUnknownTable
		}
		rows = rows[1:]
	}

	hits := make([]Hit, 0, len(rows))
	for i, row := range rows {
		if len(row) != len(CazymeHeader) {
			return nil, ErrUnknownTable
		}
		h, err := ParseHit(row)
		if err != nil {
			if i == 0 {
				return nil, ErrUnknownTable
			}
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		hits = append(hits, h)
	}
	return hits, nil
}

// Filter drops hits above the E-value cutoff or below the coverage cutoff
// and groups the rest by gene.
func (p *HmmsearchParser) Filter(evalue, coverage float64) GeneHitSet {
	results := GeneHitSet{}
	for _, h := range p.Hits {
		if h.Evalue > evalue || h.Coverage < coverage {
			continue
		}
		results.Add(h)
	}
	logger.Info("Genes with hits", zap.Int("count", len(results)))
	return results
}

// ScanDomtbl is a convenience for search runners: it reads a domtblout stream
// and returns the hits passing the cutoffs grouped by gene.
func ScanDomtbl(r io.Reader, evalue, coverage float64) (GeneHitSet, error) {
	results := GeneHitSet{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "#") || strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < domMinCols {
			return nil, fmt.Errorf("domtblout line has %d columns, expected at least %d", len(fields), domMinCols)
		}
		h, err := domtblHit(fields)
		if err != nil {
			return nil, err
		}
		if h.Evalue > evalue || h.Coverage < coverage {
			continue
		}
		results.Add(h)
	}
	return results, sc.Err()
}
