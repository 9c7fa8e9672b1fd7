package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Mode is one of the independent search strategies.
type Mode string

const (
	ModeCazyme  Mode = "cazyme"
	ModeSub     Mode = "sub"
	ModeDiamond Mode = "diamond"
)

// Modes lists the search modes in their declared order. Conclude folds and
// prints the family columns in this order.
var Modes = []Mode{ModeCazyme, ModeSub, ModeDiamond}

func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("%s is not an available mode", s)
}

var (
	CazymeHeader = []string{
		"HMM_Profile", "Profile_Length", "Gene_ID", "Gene_Length", "Evalue",
		"Profile_Start", "Profile_End", "Gene_Start", "Gene_End", "Coverage",
	}
	SubstrateHeader = append(
		[]string{"dbCAN_subfam", "Subfam_Composition", "Subfam_EC", "Substrate"},
		CazymeHeader[1:]...,
	)
	DiamondHeader = []string{
		"qseqid", "sseqid", "pident", "length", "mismatch", "gapopen",
		"qstart", "qend", "sstart", "send", "evalue", "bitscore",
	}
	OverviewHeader = []string{
		"Gene_ID", "EC", "cazyme_fam", "sub_fam", "diamond_fam", "Substrate", "#ofTools",
	}
)

// Header returns the output header of a search mode.
func (m Mode) Header() []string {
	switch m {
	case ModeCazyme:
		return CazymeHeader
	case ModeSub:
		return SubstrateHeader
	case ModeDiamond:
		return DiamondHeader
	}
	return nil
}

// Hit is one domain-level hit of a profile against a gene.
type Hit struct {
	Profile       string
	ProfileLength int
	GeneID        string
	GeneLength    int
	Evalue        float64
	ProfileStart  int
	ProfileEnd    int
	GeneStart     int
	GeneEnd       int
	Coverage      float64
}

// GeneHitSet groups the candidate hits of one search batch by gene id.
type GeneHitSet map[string][]Hit

func (s GeneHitSet) Add(h Hit) {
	s[h.GeneID] = append(s[h.GeneID], h)
}

// ParseError reports a malformed field in an input row.
type ParseError struct {
	Column string
	Value  string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid %s %q: %v", e.Column, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseHit builds a Hit from the 10 columns of a dbcan formatted row.
func ParseHit(fields []string) (Hit, error) {
	if len(fields) != len(CazymeHeader) {
		return Hit{}, fmt.Errorf("expected %d columns, got %d", len(CazymeHeader), len(fields))
	}

	var h Hit
	var err error
	h.Profile = fields[0]
	h.GeneID = fields[2]

	ints := []struct {
		col int
		dst *int
	}{
		{1, &h.ProfileLength}, {3, &h.GeneLength}, {5, &h.ProfileStart},
		{6, &h.ProfileEnd}, {7, &h.GeneStart}, {8, &h.GeneEnd},
	}
	for _, f := range ints {
		if *f.dst, err = strconv.Atoi(strings.TrimSpace(fields[f.col])); err != nil {
			return Hit{}, &ParseError{Column: CazymeHeader[f.col], Value: fields[f.col], Err: err}
		}
	}

	if h.Evalue, err = strconv.ParseFloat(strings.TrimSpace(fields[4]), 64); err != nil {
		return Hit{}, &ParseError{Column: CazymeHeader[4], Value: fields[4], Err: err}
	}
	if h.Coverage, err = strconv.ParseFloat(strings.TrimSpace(fields[9]), 64); err != nil {
		return Hit{}, &ParseError{Column: CazymeHeader[9], Value: fields[9], Err: err}
	}
	return h, nil
}

// Resolved is a hit that passed overlap resolution, carrying its display strings.
type Resolved struct {
	Hit
	EvalueText   string
	CoverageText string
}

// Display renders the hit's E-value and coverage for output.
func Display(h Hit) Resolved {
	return Resolved{
		Hit:          h,
		EvalueText:   FormatEvalue(h.Evalue),
		CoverageText: FormatCoverage(h.Coverage),
	}
}

// Fields returns the 10 output columns. A trailing ".hmm" on the profile is dropped.
func (r Resolved) Fields() []string {
	return append([]string{strings.TrimSuffix(r.Profile, ".hmm")}, r.tail()...)
}

// tail returns the 9 columns following the profile id.
func (r Resolved) tail() []string {
	return []string{
		strconv.Itoa(r.ProfileLength),
		r.GeneID,
		strconv.Itoa(r.GeneLength),
		r.EvalueText,
		strconv.Itoa(r.ProfileStart),
		strconv.Itoa(r.ProfileEnd),
		strconv.Itoa(r.GeneStart),
		strconv.Itoa(r.GeneEnd),
		r.CoverageText,
	}
}

// FormatEvalue renders one significant digit in scientific notation, e.g. 2.2e-30.
func FormatEvalue(v float64) string {
	return strconv.FormatFloat(v, 'e', 1, 64)
}

// FormatCoverage renders 3 significant figures. Fixed notation keeps at least
// one digit after the point (1 -> "1.0").
func FormatCoverage(v float64) string {
	s := strconv.FormatFloat(v, 'g', 3, 64)
	if !strings.ContainsAny(s, ".eIN") {
		s += ".0"
	}
	return s
}
