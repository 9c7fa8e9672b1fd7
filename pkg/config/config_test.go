package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/yumyai/dbcanlight/pkg/model"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DBCANLIGHT_DIR", dir)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.DBPath(CazymeHMMs); got != filepath.Join(dir, "cazyme.hmm") {
		t.Errorf("cazyme path = %q", got)
	}
	if got := cfg.SourcePath(Diamond); got != filepath.Join(dir, "cazydb.fa") {
		t.Errorf("diamond source = %q", got)
	}
	if got := cfg.OutputPath("out", model.ModeSub); got != filepath.Join("out", "substrates.tsv") {
		t.Errorf("sub output = %q", got)
	}
}

func TestLoadYAMLOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DBCANLIGHT_DIR", dir)

	yml := `
databases:
  cazyme_hmms: /opt/db/dbCAN.hmm
outputs:
  diamond: blast.tsv
threads: 8
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.DBPath(CazymeHMMs); got != "/opt/db/dbCAN.hmm" {
		t.Errorf("absolute database path not kept: %q", got)
	}
	if got := cfg.DBPath(SubsHMMs); got != filepath.Join(dir, "substrate.hmm") {
		t.Errorf("untouched database changed: %q", got)
	}
	if cfg.Outputs[model.ModeDiamond] != "blast.tsv" || cfg.Outputs[model.ModeCazyme] != "cazymes.tsv" {
		t.Errorf("outputs = %v", cfg.Outputs)
	}
	if cfg.Threads != 8 {
		t.Errorf("threads = %d", cfg.Threads)
	}
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := os.WriteFile(path, []byte("outputs:\n  blast: x.tsv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown mode")
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing explicit config")
	}
}
