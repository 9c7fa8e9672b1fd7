package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/yumyai/dbcanlight/internal/util"
	"github.com/yumyai/dbcanlight/logger"
	"github.com/yumyai/dbcanlight/pkg/config"
	"github.com/yumyai/dbcanlight/pkg/search"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxBuildThreads = 4

// BuildStatus is the state of a database before build.
type BuildStatus string

const (
	StatusForce    BuildStatus = "force rebuild"
	StatusNotFound BuildStatus = "not found"
	StatusOK       BuildStatus = "ok"
)

type BuildRequest struct {
	Force   bool
	Threads int
	// Report receives one "<name> <status>" line per database.
	Report io.Writer
}

// Builder downloads and indexes databases. The steps are fields so tests
// can replace the network and the external tools.
type Builder struct {
	Client *http.Client
	Press  func(ctx context.Context, hmmFile string) error
	MakeDB func(ctx context.Context, fasta, out string, threads int) error
}

func NewBuilder() *Builder {
	return &Builder{
		Client: http.DefaultClient,
		Press:  search.Press,
		MakeDB: search.MakeDB,
	}
}

// Status reports whether a database has to be (re)built.
func Status(cfg *config.Config, name string, force bool) BuildStatus {
	switch {
	case force:
		return StatusForce
	case !util.FileExists(cfg.DBPath(name)):
		return StatusNotFound
	default:
		return StatusOK
	}
}

// Build downloads the databases that are missing (or all of them with Force)
// into the config folder and prepares them for searching.
func (b *Builder) Build(ctx context.Context, cfg *config.Config, req BuildRequest) error {
	if err := checkWritable(cfg.Dir); err != nil {
		return err
	}

	threads := req.Threads
	if threads > maxBuildThreads {
		logger.Warn("Specified more than 4 CPUs. Use only 4 at most.")
		threads = maxBuildThreads
	}
	threads = max(threads, 1)

	logger.Info("Checking databases...")
	var todo []string
	for _, name := range config.DatabaseNames {
		st := Status(cfg, name, req.Force)
		if req.Report != nil {
			fmt.Fprintf(req.Report, "%s %s\n", name, st)
		}
		if st != StatusOK {
			todo = append(todo, name)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(threads)
	var mu sync.Mutex
	for _, name := range todo {
		g.Go(func() error {
			src := cfg.Sources[name]
			dest := cfg.SourcePath(name)
			logger.Info("Downloading", zap.String("db", name), zap.String("url", src.URL), zap.String("dest", dest))
			if err := b.download(gctx, src.URL, dest); err != nil {
				return fmt.Errorf("download %s: %w", name, err)
			}

			// hmmpress and makedb already use the thread budget; run them one at a time.
			mu.Lock()
			defer mu.Unlock()
			return b.prepare(gctx, cfg, name, threads)
		})
	}
	return g.Wait()
}

func (b *Builder) prepare(ctx context.Context, cfg *config.Config, name string, threads int) error {
	switch name {
	case config.CazymeHMMs, config.SubsHMMs:
		if err := b.Press(ctx, cfg.DBPath(name)); err != nil {
			return fmt.Errorf("hmmpress %s: %w", name, err)
		}
	case config.Diamond:
		if err := b.MakeDB(ctx, cfg.SourcePath(name), cfg.DBPath(name), threads); err != nil {
			return fmt.Errorf("diamond makedb: %w", err)
		}
	}
	return nil
}

// download writes url to dest through a temporary file so a failed transfer
// never leaves a truncated database behind.
func (b *Builder) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := b.Client.Do(req)
	if err != nil {
		return fmt.Errorf("URL not found or no internet connection available: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("URL currently unavailable: %s", resp.Status)
	}

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}
