package search

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/TuftsBCB/io/fasta"
)

// openFasta opens plain or gzipped fasta, sniffing the gzip magic bytes.
func openFasta(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReader(f)
	magic, _ := br.Peek(2)
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open gzip %s: %w", path, err)
		}
		return &gzipFile{Reader: gz, f: f}, nil
	}
	return &plainFile{Reader: br, f: f}, nil
}

type gzipFile struct {
	*gzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	g.Reader.Close()
	return g.f.Close()
}

type plainFile struct {
	*bufio.Reader
	f *os.File
}

func (p *plainFile) Close() error { return p.f.Close() }

// blockWriter collects fasta records into files of at most size records.
// size 0 puts every record in one block.
type blockWriter struct {
	dir   string
	size  int
	n     int
	count int
	buf   bytes.Buffer
	w     *fasta.Writer
}

// splitFasta streams r and calls emit with the path of each finished block.
// Block files live in dir and are removed after emit returns.
func splitFasta(r io.Reader, dir string, size int, emit func(path string, first, n int) error) error {
	if size < 0 {
		return fmt.Errorf("blocksize=%d which is smaller than 0", size)
	}

	bw := &blockWriter{dir: dir, size: size}
	bw.w = fasta.NewWriter(&bw.buf)
	first := 1
	flush := func() error {
		if bw.count == 0 {
			return nil
		}
		if err := bw.w.Flush(); err != nil {
			return err
		}
		bw.n++
		path := filepath.Join(bw.dir, fmt.Sprintf("block_%06d.faa", bw.n))
		if err := os.WriteFile(path, bw.buf.Bytes(), 0o644); err != nil {
			return err
		}
		defer os.Remove(path)

		n := bw.count
		bw.buf.Reset()
		bw.count = 0
		if err := emit(path, first, n); err != nil {
			return err
		}
		first += n
		return nil
	}

	rd := fasta.NewReader(r)
	// hmmsearch and diamond validate residues themselves.
	rd.TrustSequences = true
	for {
		s, err := rd.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read fasta: %w", err)
		}
		if bw.size > 0 && bw.count == bw.size {
			if err := flush(); err != nil {
				return err
			}
		}
		if err := bw.w.Write(s); err != nil {
			return err
		}
		bw.count++
	}
	return flush()
}
