// Package config resolves database locations and output names from defaults,
// a .env file, the environment and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/yumyai/dbcanlight/logger"
	"github.com/yumyai/dbcanlight/pkg/model"
	"go.uber.org/zap"
)

// Database names, in build order.
const (
	CazymeHMMs = "cazyme_hmms"
	SubsHMMs   = "subs_hmms"
	SubsMapper = "subs_mapper"
	Diamond    = "diamond"
)

var DatabaseNames = []string{CazymeHMMs, SubsHMMs, SubsMapper, Diamond}

// Source is where a database is downloaded from and the file it is saved as.
// For diamond the download is the fasta that makedb turns into the .dmnd file.
type Source struct {
	URL      string `yaml:"url"`
	Filename string `yaml:"filename"`
}

type Config struct {
	Dir       string                `yaml:"dir"`
	Databases map[string]string     `yaml:"databases"`
	Sources   map[string]Source     `yaml:"sources"`
	Outputs   map[model.Mode]string `yaml:"outputs"`
	Overview  string                `yaml:"overview"`
	// Threads 0 leaves the thread count to the command line defaults.
	Threads   int                   `yaml:"threads"`
}

func defaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dbcanlight"
	}
	return filepath.Join(home, ".dbcanlight")
}

// Default returns the configuration rooted at dir.
func Default(dir string) *Config {
	return &Config{
		Dir: dir,
		Databases: map[string]string{
			CazymeHMMs: "cazyme.hmm",
			SubsHMMs:   "substrate.hmm",
			SubsMapper: "substrate_mapping.tsv",
			Diamond:    "cazydb.dmnd",
		},
		Sources: map[string]Source{
			CazymeHMMs: {URL: "https://bcb.unl.edu/dbCAN2/download/Databases/V12/dbCAN-HMMdb-V12.txt", Filename: "cazyme.hmm"},
			SubsHMMs:   {URL: "https://bcb.unl.edu/dbCAN2/download/Databases/dbCAN_sub.hmm", Filename: "substrate.hmm"},
			SubsMapper: {URL: "https://bcb.unl.edu/dbCAN2/download/Databases/fam-substrate-mapping-08252022.tsv", Filename: "substrate_mapping.tsv"},
			Diamond:    {URL: "https://bcb.unl.edu/dbCAN2/download/Databases/CAZyDB.07262023.fa", Filename: "cazydb.fa"},
		},
		Outputs: map[model.Mode]string{
			model.ModeCazyme:  "cazymes.tsv",
			model.ModeSub:     "substrates.tsv",
			model.ModeDiamond: "diamond.tsv",
		},
		Overview: "overview.tsv",
	}
}

// Load builds the configuration. Precedence, lowest first: defaults, .env,
// environment (DBCANLIGHT_DIR), YAML file. When path is empty the YAML file
// is looked up as <dir>/config.yaml and skipped if absent.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env found, using local environment")
	}

	dir := os.Getenv("DBCANLIGHT_DIR")
	if dir == "" {
		dir = defaultDir()
	}
	cfg := Default(dir)

	explicit := path != ""
	if !explicit {
		path = filepath.Join(dir, "config.yaml")
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist) && !explicit:
		return cfg, nil
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := cfg.merge(data); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	logger.Debug("Loaded config", zap.String("path", path))
	return cfg, nil
}

// merge overlays non-empty YAML values onto cfg.
func (cfg *Config) merge(data []byte) error {
	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}

	if file.Dir != "" {
		cfg.Dir = file.Dir
	}
	for k, v := range file.Databases {
		cfg.Databases[k] = v
	}
	for k, v := range file.Sources {
		cfg.Sources[k] = v
	}
	for k, v := range file.Outputs {
		if _, err := model.ParseMode(string(k)); err != nil {
			return err
		}
		cfg.Outputs[k] = v
	}
	if file.Overview != "" {
		cfg.Overview = file.Overview
	}
	if file.Threads > 0 {
		cfg.Threads = file.Threads
	}
	return nil
}

// DBPath returns the absolute location of a database file. Absolute entries
// in Databases are used as is.
func (cfg *Config) DBPath(name string) string {
	p := cfg.Databases[name]
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(cfg.Dir, p)
}

// SourcePath is where the downloaded file of a database is stored.
func (cfg *Config) SourcePath(name string) string {
	if name == Diamond {
		return filepath.Join(cfg.Dir, cfg.Sources[name].Filename)
	}
	return cfg.DBPath(name)
}

// OutputPath is the per-mode result file inside dir.
func (cfg *Config) OutputPath(dir string, mode model.Mode) string {
	return filepath.Join(dir, cfg.Outputs[mode])
}

// ModeDatabases lists the databases a search mode depends on.
func (cfg *Config) ModeDatabases(mode model.Mode) []string {
	switch mode {
	case model.ModeCazyme:
		return []string{cfg.DBPath(CazymeHMMs)}
	case model.ModeSub:
		return []string{cfg.DBPath(SubsHMMs), cfg.DBPath(SubsMapper)}
	case model.ModeDiamond:
		return []string{cfg.DBPath(Diamond)}
	}
	return nil
}
