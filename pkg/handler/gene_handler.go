package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/yumyai/dbcanlight/logger"
	"github.com/yumyai/dbcanlight/pkg/db"
	"go.uber.org/zap"
)

const (
	defaultPageSize   = 30
	defaultPageNumber = 1
	maxPageSize       = 500
)

type GenesPayload struct {
	Genes    []*db.GeneRecord `json:"genes"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

type GeneResponse struct {
	Success bool   `json:"success"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

func parsePositiveIntFallback(v string, fallback int) int {
	num, err := strconv.Atoi(v)
	if err != nil || num <= 0 {
		return fallback
	}
	return num
}

// GET /api/v1/genes/{gene_id}
func (dbctx *DBContext) GeneAPI(w http.ResponseWriter, r *http.Request) {
	geneID := r.PathValue("gene_id")

	gene, err := dbctx.Store.GetGene(r.Context(), geneID)
	if errors.Is(err, db.ErrGeneNotFound) {
		writeJSON(w, http.StatusNotFound, GeneResponse{Error: "gene not found"})
		return
	}
	if err != nil {
		logger.Error("Get gene", zap.String("gene_id", geneID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, GeneResponse{Error: "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, GeneResponse{Success: true, Payload: gene})
}

// GET /api/v1/genes?fam=GH5&min_tools=2&page=1&page_size=30
func (dbctx *DBContext) GeneSearchAPI(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	req := db.GeneSearchRequest{
		Family:   q.Get("fam"),
		Page:     parsePositiveIntFallback(q.Get("page"), defaultPageNumber),
		PageSize: min(parsePositiveIntFallback(q.Get("page_size"), defaultPageSize), maxPageSize),
	}
	if v := q.Get("min_tools"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 3 {
			writeJSON(w, http.StatusBadRequest, GeneResponse{Error: "min_tools must be between 0 and 3"})
			return
		}
		req.MinTools = n
	}

	genes, err := dbctx.Store.SearchGenes(r.Context(), req)
	if err != nil {
		logger.Error("Search genes", zap.Any("request", req), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, GeneResponse{Error: "internal error"})
		return
	}

	writeJSON(w, http.StatusOK, GeneResponse{
		Success: true,
		Payload: GenesPayload{Genes: genes, Page: req.Page, PageSize: req.PageSize},
	})
}
