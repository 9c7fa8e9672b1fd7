package model

import (
	"bufio"
	"fmt"
	"io"
	"iter"
	"os"
	"regexp"
	"strings"
)

type substrateKey struct {
	family string
	ec     string
}

// SubstrateMap maps (family, EC number) to substrates, read from the dbCAN
// fam-substrate-mapping table.
type SubstrateMap struct {
	subs map[substrateKey]stringSet
}

var (
	andPattern        = regexp.MustCompile(`,\sand|\sand`)
	substrateSplitter = regexp.MustCompile(`,\s|,`)
)

func LoadSubstrateMap(path string) (*SubstrateMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadSubstrateMap(f)
}

// ReadSubstrateMap expects the substrate in column 1, the family in column 3
// and the EC number in column 5. The header row is skipped.
func ReadSubstrateMap(r io.Reader) (*SubstrateMap, error) {
	m := &SubstrateMap{subs: map[substrateKey]stringSet{}}

	sc := bufio.NewScanner(r)
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
		if len(fields) < 3 {
			return nil, fmt.Errorf("substrate mapping line %d: expected at least 3 columns, got %d", line, len(fields))
		}

		key := substrateKey{family: fields[2], ec: "-"}
		if len(fields) > 4 && strings.TrimSpace(fields[4]) != "" {
			key.ec = strings.TrimSpace(fields[4])
		}

		// A repeated (family, EC) key unions its substrates.
		set, ok := m.subs[key]
		if !ok {
			set = stringSet{}
			m.subs[key] = set
		}
		for _, s := range substrateSplitter.Split(andPattern.ReplaceAllString(fields[0], ","), -1) {
			set.add(s)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// SubstrateRow is a substrate-mode output row.
type SubstrateRow struct {
	Subfamily   string
	Composition []string
	EC          []string
	Substrates  []string
	Hit         Resolved
}

// Fields returns the 13 columns of SubstrateHeader.
func (r SubstrateRow) Fields() []string {
	return append([]string{
		strings.TrimSuffix(r.Subfamily, ".hmm"),
		joinPipe(r.Composition),
		joinPipe(r.EC),
		joinComma(r.Substrates),
	}, r.Hit.tail()...)
}

// Annotate splits a sub-family profile id such as
// "CBM46_e1.hmm|CBM46:103|3.2.1.4:6" and looks up its substrates.
func (m *SubstrateMap) Annotate(h Resolved) SubstrateRow {
	row := SubstrateRow{Hit: h}
	family := ""
	ecKeys := []string{"-"}

	for _, p := range strings.Split(h.Profile, "|") {
		switch {
		case strings.HasSuffix(p, ".hmm"):
			row.Subfamily = p
			family, _, _ = strings.Cut(p, "_")
		case len(strings.Split(p, ".")) == 4:
			row.EC = append(row.EC, p)
			ec, _, _ := strings.Cut(p, ":")
			ecKeys = append(ecKeys, ec)
		default:
			row.Composition = append(row.Composition, p)
		}
	}

	found := stringSet{}
	for _, ec := range ecKeys {
		for s := range m.subs[substrateKey{family: family, ec: ec}] {
			found.add(s)
		}
	}
	row.Substrates = found.sorted()
	return row
}

// Map annotates every resolved hit of a substrate search.
func (m *SubstrateMap) Map(hits iter.Seq[Resolved]) iter.Seq[[]string] {
	return func(yield func([]string) bool) {
		for h := range hits {
			if !yield(m.Annotate(h).Fields()) {
				return
			}
		}
	}
}

func joinPipe(vals []string) string {
	if len(vals) == 0 {
		return "-"
	}
	return strings.Join(vals, "|")
}

func joinComma(vals []string) string {
	if len(vals) == 0 {
		return "-"
	}
	return strings.Join(vals, ",")
}
