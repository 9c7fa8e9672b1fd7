package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yumyai/dbcanlight/pkg/model"

	_ "modernc.org/sqlite"
)

var ErrGeneNotFound = errors.New("gene not found")

// likeEscaper makes a family search a plain substring match. Family names
// such as GH5_4 contain the LIKE wildcard '_'.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

const schema = `
	CREATE TABLE IF NOT EXISTS runs (
		run_id     TEXT PRIMARY KEY,
		source     TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS overview (
		run_id      TEXT NOT NULL REFERENCES runs(run_id),
		ordinal     INTEGER NOT NULL,
		gene_id     TEXT NOT NULL,
		ec          TEXT NOT NULL,
		cazyme_fam  TEXT NOT NULL,
		sub_fam     TEXT NOT NULL,
		diamond_fam TEXT NOT NULL,
		substrate   TEXT NOT NULL,
		n_tools     INTEGER NOT NULL,
		PRIMARY KEY (run_id, gene_id)
	);
	CREATE INDEX IF NOT EXISTS overview_gene ON overview(gene_id);
`

// OverviewStore keeps concluded overview tables in SQLite.
type OverviewStore struct {
	db *sql.DB
}

// Run describes one stored conclude result.
type Run struct {
	ID        string    `json:"run_id"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// GeneRecord is one overview row read back from the store.
type GeneRecord struct {
	RunID      string `json:"run_id"`
	GeneID     string `json:"gene_id"`
	EC         string `json:"ec"`
	CazymeFam  string `json:"cazyme_fam"`
	SubFam     string `json:"sub_fam"`
	DiamondFam string `json:"diamond_fam"`
	Substrate  string `json:"substrate"`
	Tools      int    `json:"n_tools"`
}

// GeneSearchRequest filters stored genes of the latest run.
type GeneSearchRequest struct {
	Family   string
	MinTools int
	Page     int
	PageSize int
}

func OpenStore(path string) (*OverviewStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &OverviewStore{db: db}, nil
}

func (s *OverviewStore) Close() error {
	return s.db.Close()
}

// SaveRun stores rows under a new run id and returns the run.
func (s *OverviewStore) SaveRun(ctx context.Context, source string, rows []model.OverviewRow) (*Run, error) {
	run := &Run{
		ID:        uuid.New().String(),
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fail to begin tx %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO runs (run_id, source, created_at) VALUES (?, ?, ?)`,
		run.ID, run.Source, run.CreatedAt.Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	stm, err := tx.PrepareContext(ctx, `
		INSERT INTO overview (run_id, ordinal, gene_id, ec, cazyme_fam, sub_fam, diamond_fam, substrate, n_tools)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	defer stm.Close()

	for i, r := range rows {
		if _, err := stm.ExecContext(ctx, run.ID, i, r.GeneID, r.EC,
			r.Families[model.ModeCazyme], r.Families[model.ModeSub], r.Families[model.ModeDiamond],
			r.Substrate, r.Tools); err != nil {
			return nil, fmt.Errorf("insert gene %s: %w", r.GeneID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit run: %w", err)
	}
	return run, nil
}

// LatestRun returns the most recently stored run.
func (s *OverviewStore) LatestRun(ctx context.Context) (*Run, error) {
	var run Run
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, source, created_at FROM runs ORDER BY rowid DESC LIMIT 1`).
		Scan(&run.ID, &run.Source, &created)
	if err != nil {
		return nil, err
	}
	run.CreatedAt, err = time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("parse run time: %w", err)
	}
	return &run, nil
}

// GetGene returns the gene's row from the latest run.
func (s *OverviewStore) GetGene(ctx context.Context, geneID string) (*GeneRecord, error) {
	run, err := s.LatestRun(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGeneNotFound
	} else if err != nil {
		return nil, err
	}

	stm, err := s.db.PrepareContext(ctx, `
		SELECT run_id, gene_id, ec, cazyme_fam, sub_fam, diamond_fam, substrate, n_tools
		FROM overview WHERE run_id = ? AND gene_id = ?`)
	if err != nil {
		return nil, err
	}
	defer stm.Close()

	var g GeneRecord
	err = stm.QueryRowContext(ctx, run.ID, geneID).Scan(
		&g.RunID, &g.GeneID, &g.EC, &g.CazymeFam, &g.SubFam, &g.DiamondFam, &g.Substrate, &g.Tools)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGeneNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// SearchGenes pages through the latest run in overview order. Family matches
// any of the three family columns as a substring.
func (s *OverviewStore) SearchGenes(ctx context.Context, req GeneSearchRequest) ([]*GeneRecord, error) {
	run, err := s.LatestRun(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return []*GeneRecord{}, nil
	} else if err != nil {
		return nil, err
	}

	if req.Page < 1 {
		req.Page = 1
	}
	if req.PageSize < 1 {
		req.PageSize = 30
	}
	like := "%" + likeEscaper.Replace(req.Family) + "%"

	stm, err := s.db.PrepareContext(ctx, `
		SELECT run_id, gene_id, ec, cazyme_fam, sub_fam, diamond_fam, substrate, n_tools
		FROM overview
		WHERE run_id = ?
		  AND n_tools >= ?
		  AND (? = ''
		       OR cazyme_fam LIKE ? ESCAPE '\'
		       OR sub_fam LIKE ? ESCAPE '\'
		       OR diamond_fam LIKE ? ESCAPE '\')
		ORDER BY ordinal
		LIMIT ? OFFSET ?`)
	if err != nil {
		return nil, err
	}
	defer stm.Close()

	rows, err := stm.QueryContext(ctx, run.ID, req.MinTools, req.Family, like, like, like,
		req.PageSize, (req.Page-1)*req.PageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]*GeneRecord, 0, req.PageSize)
	for rows.Next() {
		var g GeneRecord
		if err := rows.Scan(&g.RunID, &g.GeneID, &g.EC, &g.CazymeFam, &g.SubFam, &g.DiamondFam, &g.Substrate, &g.Tools); err != nil {
			return nil, fmt.Errorf("failed to scan gene row: %w", err)
		}
		results = append(results, &g)
	}
	return results, rows.Err()
}
