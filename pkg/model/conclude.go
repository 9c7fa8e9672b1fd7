package model

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// InsufficientSourcesError is returned when fewer than two per-mode tables
// are available to conclude.
type InsufficientSourcesError struct {
	Got int
}

func (e *InsufficientSourcesError) Error() string {
	return fmt.Sprintf("Required at least 2 results to conclude but got %d. Aborted.", e.Got)
}

const minSources = 2

// OverviewRow is the concluded record of one gene.
type OverviewRow struct {
	GeneID    string
	EC        string
	Families  map[Mode]string
	Substrate string
	Tools     int
}

// Fields returns the overview columns in OverviewHeader order.
func (r OverviewRow) Fields() []string {
	fields := []string{r.GeneID, r.EC}
	for _, m := range Modes {
		fields = append(fields, r.Families[m])
	}
	return append(fields, r.Substrate, strconv.Itoa(r.Tools))
}

type stringSet map[string]struct{}

func (s stringSet) add(v string) { s[v] = struct{}{} }

func (s stringSet) sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// geneCalls accumulates everything the source tables say about one gene.
type geneCalls struct {
	ec        stringSet
	families  map[Mode]stringSet
	substrate stringSet
}

func newGeneCalls() *geneCalls {
	g := &geneCalls{
		ec:        stringSet{},
		families:  make(map[Mode]stringSet, len(Modes)),
		substrate: stringSet{},
	}
	for _, m := range Modes {
		g.families[m] = stringSet{}
	}
	return g
}

// Aggregator folds per-mode rows into per-gene calls, remembering the order
// in which genes were first seen.
type Aggregator struct {
	order []string
	genes map[string]*geneCalls
}

func NewAggregator() *Aggregator {
	return &Aggregator{genes: map[string]*geneCalls{}}
}

func (a *Aggregator) gene(id string) *geneCalls {
	g, ok := a.genes[id]
	if !ok {
		g = newGeneCalls()
		a.genes[id] = g
		a.order = append(a.order, id)
	}
	return g
}

// Fold adds one row of the given mode. Rows must already have the column count
// of their mode (see ReadTable).
func (a *Aggregator) Fold(mode Mode, row []string) error {
	if want := len(mode.Header()); len(row) != want {
		return fmt.Errorf("%s row: expected %d columns, got %d", mode, want, len(row))
	}

	switch mode {
	case ModeCazyme:
		for _, col := range []int{7, 8} {
			if _, err := strconv.Atoi(row[col]); err != nil {
				return &ParseError{Column: CazymeHeader[col], Value: row[col], Err: err}
			}
		}
		g := a.gene(row[2])
		g.families[mode].add(fmt.Sprintf("%s(%s-%s)", row[0], row[7], row[8]))

	case ModeSub:
		g := a.gene(row[5])
		g.families[mode].add(row[0])
		for _, ec := range strings.Split(row[2], "|") {
			if ec != "-" {
				g.ec.add(ec)
			}
		}
		for _, sub := range strings.Split(row[3], ",") {
			if sub != "-" {
				g.substrate.add(sub)
			}
		}

	case ModeDiamond:
		g := a.gene(row[0])
		parts := strings.Split(row[1], "|")
		for _, fam := range parts[1:] {
			g.families[mode].add(fam)
		}

	default:
		return fmt.Errorf("%s is not an available mode", mode)
	}
	return nil
}

// Rows finalizes the accumulated calls, one row per gene in first-seen order.
func (a *Aggregator) Rows() []OverviewRow {
	rows := make([]OverviewRow, 0, len(a.order))
	for _, id := range a.order {
		g := a.genes[id]
		row := OverviewRow{
			GeneID:    id,
			EC:        joinOrDash(g.ec.sorted()),
			Families:  make(map[Mode]string, len(Modes)),
			Substrate: joinOrDash(g.substrate.sorted()),
		}
		for _, m := range Modes {
			fams := g.families[m].sorted()
			if m == ModeCazyme {
				sortBySpan(fams)
			}
			if len(fams) > 0 {
				row.Tools++
			}
			row.Families[m] = joinOrDash(fams)
		}
		rows = append(rows, row)
	}
	return rows
}

// Aggregate concludes the given tables. Tables are folded in declared mode
// order regardless of the order they are passed in.
func Aggregate(tables []Table) ([]OverviewRow, error) {
	byMode := make(map[Mode][]Table, len(Modes))
	for _, t := range tables {
		byMode[t.Mode] = append(byMode[t.Mode], t)
	}
	if len(byMode) < minSources {
		return nil, &InsufficientSourcesError{Got: len(byMode)}
	}

	agg := NewAggregator()
	for _, m := range Modes {
		for _, t := range byMode[m] {
			for _, row := range t.Rows {
				if err := agg.Fold(m, row); err != nil {
					return nil, err
				}
			}
		}
	}
	return agg.Rows(), nil
}

func joinOrDash(vals []string) string {
	if len(vals) == 0 {
		return "-"
	}
	return strings.Join(vals, "+")
}

var spanPattern = regexp.MustCompile(`\((\d+)-(\d+)\)$`)

// sortBySpan orders "FAM(start-end)" tokens longest span first, then by start.
// Input is lexically sorted, so a stable sort leaves ties in text order.
func sortBySpan(fams []string) {
	type key struct{ span, start int }
	keys := make(map[string]key, len(fams))
	for _, f := range fams {
		var k key
		if m := spanPattern.FindStringSubmatch(f); m != nil {
			start, _ := strconv.Atoi(m[1])
			end, _ := strconv.Atoi(m[2])
			k = key{span: end - start, start: start}
		}
		keys[f] = k
	}
	sort.SliceStable(fams, func(i, j int) bool {
		ki, kj := keys[fams[i]], keys[fams[j]]
		if ki.span != kj.span {
			return ki.span > kj.span
		}
		return ki.start < kj.start
	})
}
