package pipeline

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/yumyai/dbcanlight/pkg/config"
	"github.com/yumyai/dbcanlight/pkg/db"
	"github.com/yumyai/dbcanlight/pkg/model"
)

func createFakeBinary(t *testing.T, dir, name, script string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake binaries need a POSIX shell")
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/usr/bin/env bash\n"+script), 0o755); err != nil {
		t.Fatalf("write fake %s: %v", name, err)
	}
}

// fakeHmmsearch installs a hmmsearch that writes domtbl to its --domtblout file.
func fakeHmmsearch(t *testing.T, domtbl string) {
	t.Helper()
	bin := t.TempDir()
	createFakeBinary(t, bin, "hmmsearch", `
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--domtblout" ]; then out="$2"; shift; fi
  shift
done
cat > "$out" <<'EOF'
`+domtbl+`EOF
`)
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func testConfig(t *testing.T, dbs ...string) *config.Config {
	t.Helper()
	cfg := config.Default(t.TempDir())
	for _, name := range dbs {
		if err := os.WriteFile(cfg.DBPath(name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return cfg
}

func writeInput(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.faa")
	if err := os.WriteFile(path, []byte(">g1\nMKV\n>g2\nMKV\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

const cazymeDomtbl = `#
g1 - 500 GH5_4.hmm - 100 1e-40 150.0 0.1 1 1 1e-42 2.23e-40 148.0 0.1 1 81 101 181 100 182 0.95 -
g1 - 500 GH5_2.hmm - 100 1e-40 150.0 0.1 1 1 1e-42 5.0e-30 148.0 0.1 1 81 110 190 100 182 0.95 -
g1 - 500 CBM1.hmm - 40 1e-40 150.0 0.1 1 1 1e-42 1.0e-20 148.0 0.1 1 39 300 338 300 340 0.95 -
g2 - 300 GT2.hmm - 200 1e-40 150.0 0.1 1 1 1e-42 4.0e-41 148.0 0.1 1 151 5 150 4 151 0.95 -
`

func TestParseEvalue(t *testing.T) {
	tests := []struct {
		in   string
		mode model.Mode
		want float64
	}{
		{"AUTO", model.ModeCazyme, 1e-15},
		{"auto", model.ModeSub, 1e-15},
		{"AUTO", model.ModeDiamond, 1e-102},
		{"", model.ModeDiamond, 1e-102},
		{"1e-5", model.ModeDiamond, 1e-5},
	}
	for _, tt := range tests {
		got, err := ParseEvalue(tt.in, tt.mode)
		if err != nil || got != tt.want {
			t.Errorf("ParseEvalue(%q, %s) = %g, %v", tt.in, tt.mode, got, err)
		}
	}
	if _, err := ParseEvalue("tiny", model.ModeCazyme); err == nil {
		t.Error("expected error")
	}
}

func TestSearchCazyme(t *testing.T) {
	fakeHmmsearch(t, cazymeDomtbl)
	cfg := testConfig(t, config.CazymeHMMs)
	out := t.TempDir()

	path, err := Search(context.Background(), cfg, SearchRequest{
		Input: writeInput(t), Output: out, Mode: model.ModeCazyme, Evalue: "AUTO", Coverage: 0.35, Threads: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join(out, "cazymes.tsv") {
		t.Errorf("path = %s", path)
	}

	lines := readLines(t, path)
	want := []string{
		strings.Join(model.CazymeHeader, "\t"),
		"GH5_4\t100\tg1\t500\t2.2e-40\t1\t81\t101\t181\t0.8",
		"CBM1\t40\tg1\t500\t1.0e-20\t1\t39\t300\t338\t0.95",
		"GT2\t200\tg2\t300\t4.0e-41\t1\t151\t5\t150\t0.75",
	}
	if !slices.Equal(lines, want) {
		t.Errorf("output:\n%s\nwant:\n%s", strings.Join(lines, "\n"), strings.Join(want, "\n"))
	}
}

func TestSearchSubstrate(t *testing.T) {
	fakeHmmsearch(t, `#
g1 - 500 GH18_e2.hmm|GH18:20|3.2.1.14:18 - 100 1e-40 150.0 0.1 1 1 1e-42 1e-40 148.0 0.1 1 81 101 181 100 182 0.95 -
`)
	cfg := testConfig(t, config.SubsHMMs)
	mapping := "Substrate_high_level\tSubstrate_Simple\tFamily\tName\tEC_Number\nchitin\tchitin\tGH18\t\t3.2.1.14\n"
	if err := os.WriteFile(cfg.DBPath(config.SubsMapper), []byte(mapping), 0o644); err != nil {
		t.Fatal(err)
	}

	path, err := Search(context.Background(), cfg, SearchRequest{
		Input: writeInput(t), Output: t.TempDir(), Mode: model.ModeSub, Coverage: 0.35, Threads: 2, Blocksize: 1,
	})
	if err != nil {
		t.Fatal(err)
	}

	lines := readLines(t, path)
	// One row per block: the fake returns the same hit for both blocks.
	if len(lines) != 3 {
		t.Fatalf("lines = %v", lines)
	}
	want := "GH18_e2\tGH18:20\t3.2.1.14:18\tchitin\t100\tg1\t500\t1.0e-40\t1\t81\t101\t181\t0.8"
	if lines[1] != want {
		t.Errorf("row = %q, want %q", lines[1], want)
	}
}

func TestSearchMissingDatabase(t *testing.T) {
	cfg := testConfig(t, config.SubsHMMs)
	_, err := Search(context.Background(), cfg, SearchRequest{Input: writeInput(t), Output: t.TempDir(), Mode: model.ModeSub})
	var merr *db.MissingDatabaseError
	if !errors.As(err, &merr) || merr.Paths[0] != cfg.DBPath(config.SubsMapper) {
		t.Fatalf("err = %v", err)
	}
}

func TestSearchInvalidRequest(t *testing.T) {
	cfg := testConfig(t, config.CazymeHMMs)
	if _, err := Search(context.Background(), cfg, SearchRequest{Mode: "blast"}); err == nil {
		t.Error("expected mode error")
	}
	_, err := Search(context.Background(), cfg, SearchRequest{Mode: model.ModeCazyme, Blocksize: -1})
	if err == nil || !strings.Contains(err.Error(), "smaller than 0") {
		t.Errorf("err = %v", err)
	}
}

func TestSearchDiamond(t *testing.T) {
	bin := t.TempDir()
	createFakeBinary(t, bin, "diamond", `printf 'g1\tAAA1.1|GH5_4|CBM1\t85.1\t300\t10\t0\t1\t300\t1\t300\t1e-150\t500\n'`)
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))

	cfg := testConfig(t, config.Diamond)
	path, err := Search(context.Background(), cfg, SearchRequest{
		Input: writeInput(t), Output: t.TempDir(), Mode: model.ModeDiamond, Evalue: "AUTO", Coverage: 0.35, Blocksize: 5,
	})
	if err != nil {
		t.Fatal(err)
	}
	lines := readLines(t, path)
	if len(lines) != 2 || lines[0] != strings.Join(model.DiamondHeader, "\t") {
		t.Fatalf("lines = %v", lines)
	}
}

func writeSources(t *testing.T, dir string, modes ...model.Mode) {
	t.Helper()
	body := map[model.Mode]string{
		model.ModeCazyme:  "GH5_4\t300\tg1\t500\t1.0e-40\t1\t290\t10\t300\t0.96\n",
		model.ModeSub:     "GH5_e12\tGH5_4:50\t3.2.1.4:40\tcellulose\t300\tg1\t500\t1.0e-40\t1\t290\t10\t300\t0.96\n",
		model.ModeDiamond: "g1\tAAA1.1|GH5_4\t85.1\t300\t10\t0\t1\t300\t1\t300\t1e-150\t500\n",
	}
	cfg := config.Default(dir)
	for _, m := range modes {
		content := strings.Join(m.Header(), "\t") + "\n" + body[m]
		if err := os.WriteFile(cfg.OutputPath(dir, m), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestConclude(t *testing.T) {
	tests := []struct {
		name  string
		modes []model.Mode
		want  string
	}{
		{"AllSources", model.Modes, "g1\t3.2.1.4:40\tGH5_4(10-300)\tGH5_e12\tGH5_4\tcellulose\t3"},
		{"CazymeAndDiamond", []model.Mode{model.ModeCazyme, model.ModeDiamond}, "g1\t-\tGH5_4(10-300)\t-\tGH5_4\t-\t2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeSources(t, dir, tt.modes...)
			cfg := config.Default(t.TempDir())

			rows, err := Conclude(context.Background(), cfg, dir)
			if err != nil {
				t.Fatal(err)
			}
			if len(rows) != 1 {
				t.Fatalf("rows = %v", rows)
			}
			lines := readLines(t, filepath.Join(dir, "overview.tsv"))
			if lines[0] != strings.Join(model.OverviewHeader, "\t") || lines[1] != tt.want {
				t.Errorf("overview = %q", lines)
			}
		})
	}
}

func TestConcludeSingleSource(t *testing.T) {
	dir := t.TempDir()
	writeSources(t, dir, model.ModeSub)

	_, err := Conclude(context.Background(), config.Default(t.TempDir()), dir)
	var ierr *model.InsufficientSourcesError
	if !errors.As(err, &ierr) || ierr.Got != 1 {
		t.Fatalf("err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "overview.tsv")); !errors.Is(err, os.ErrNotExist) {
		t.Error("overview must not be written")
	}
}

func TestConcludeMalformedSource(t *testing.T) {
	dir := t.TempDir()
	writeSources(t, dir, model.ModeSub, model.ModeDiamond)
	cfg := config.Default(t.TempDir())
	if err := os.WriteFile(cfg.OutputPath(dir, model.ModeCazyme), []byte("header\nGH5\t1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Conclude(context.Background(), cfg, dir)
	var terr *model.TableError
	if !errors.As(err, &terr) || terr.Want != 10 {
		t.Fatalf("err = %v", err)
	}
}

type buildRecorder struct {
	mu      sync.Mutex
	pressed []string
	made    []string
}

func (r *buildRecorder) builder(client *http.Client) *Builder {
	return &Builder{
		Client: client,
		Press: func(ctx context.Context, hmm string) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.pressed = append(r.pressed, filepath.Base(hmm))
			return nil
		},
		MakeDB: func(ctx context.Context, fasta, out string, threads int) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.made = append(r.made, filepath.Base(fasta)+">"+filepath.Base(out))
			return os.WriteFile(out, []byte("dmnd"), 0o644)
		},
	}
}

func buildServer(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("content of " + r.URL.Path))
	}))
	t.Cleanup(srv.Close)
	for _, name := range config.DatabaseNames {
		src := cfg.Sources[name]
		src.URL = srv.URL + "/" + name
		cfg.Sources[name] = src
	}
	return srv
}

func TestBuild(t *testing.T) {
	cfg := config.Default(filepath.Join(t.TempDir(), "dbcanlight"))
	srv := buildServer(t, cfg)

	rec := &buildRecorder{}
	var report bytes.Buffer
	err := rec.builder(srv.Client()).Build(context.Background(), cfg, BuildRequest{Threads: 8, Report: &report})
	if err != nil {
		t.Fatal(err)
	}

	wantReport := "cazyme_hmms not found\nsubs_hmms not found\nsubs_mapper not found\ndiamond not found\n"
	if report.String() != wantReport {
		t.Errorf("report = %q", report.String())
	}

	data, err := os.ReadFile(cfg.DBPath(config.SubsMapper))
	if err != nil || string(data) != "content of /subs_mapper" {
		t.Errorf("mapping = %q, %v", data, err)
	}
	slices.Sort(rec.pressed)
	if !slices.Equal(rec.pressed, []string{"cazyme.hmm", "substrate.hmm"}) {
		t.Errorf("pressed = %v", rec.pressed)
	}
	if !slices.Equal(rec.made, []string{"cazydb.fa>cazydb.dmnd"}) {
		t.Errorf("made = %v", rec.made)
	}

	// Everything is present now; a second run only reports.
	rec2 := &buildRecorder{}
	report.Reset()
	if err := rec2.builder(srv.Client()).Build(context.Background(), cfg, BuildRequest{Threads: 1, Report: &report}); err != nil {
		t.Fatal(err)
	}
	if strings.Count(report.String(), " ok\n") != 4 || len(rec2.pressed)+len(rec2.made) != 0 {
		t.Errorf("report = %q, rec = %+v", report.String(), rec2)
	}

	report.Reset()
	if err := rec2.builder(srv.Client()).Build(context.Background(), cfg, BuildRequest{Force: true, Report: &report}); err != nil {
		t.Fatal(err)
	}
	if strings.Count(report.String(), " force rebuild\n") != 4 {
		t.Errorf("report = %q", report.String())
	}
}

func TestBuildDownloadFailure(t *testing.T) {
	cfg := config.Default(t.TempDir())
	srv := buildServer(t, cfg)
	src := cfg.Sources[config.SubsMapper]
	src.URL = srv.URL + "/missing"
	cfg.Sources[config.SubsMapper] = src

	rec := &buildRecorder{}
	err := rec.builder(srv.Client()).Build(context.Background(), cfg, BuildRequest{Threads: 1})
	if err == nil || !strings.Contains(err.Error(), "subs_mapper") {
		t.Fatalf("err = %v", err)
	}
	if _, err := os.Stat(cfg.DBPath(config.SubsMapper)); !errors.Is(err, os.ErrNotExist) {
		t.Error("failed download must not leave a file")
	}
}

func TestBuildUnwritableDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can write anywhere")
	}
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o555); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chmod(dir, 0o755) })

	err := NewBuilder().Build(context.Background(), config.Default(dir), BuildRequest{})
	if err == nil || !strings.Contains(err.Error(), "not writable") {
		t.Fatalf("err = %v", err)
	}
}
