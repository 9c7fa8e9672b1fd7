package model

import (
	"context"
	"iter"
	"slices"
	"sort"

	"github.com/yumyai/dbcanlight/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Two hits on the same gene are redundant once their overlap exceeds this
// fraction of either hit's span.
const overlapRatio = 0.5

// Resolve removes overlapping hits batch by batch and yields the survivors.
// Genes are visited in lexicographic order within a batch; survivors keep
// ascending gene_start order. Only one batch is held at a time.
func Resolve(batches iter.Seq[GeneHitSet]) iter.Seq[Resolved] {
	return func(yield func(Resolved) bool) {
		for batch := range batches {
			for _, r := range resolveBatch(batch) {
				if !yield(r) {
					return
				}
			}
		}
	}
}

// ResolveParallel resolves up to workers batches concurrently. Output order is
// batch-submission order, identical to Resolve. It stops early when ctx is done.
func ResolveParallel(ctx context.Context, batches iter.Seq[GeneHitSet], workers int) iter.Seq[Resolved] {
	if workers < 2 {
		return Resolve(batches)
	}

	return func(yield func(Resolved) bool) {
		window := make([]GeneHitSet, 0, workers)

		flush := func() bool {
			out := make([][]Resolved, len(window))
			var g errgroup.Group
			for i, b := range window {
				g.Go(func() error {
					out[i] = resolveBatch(b)
					return nil
				})
			}
			_ = g.Wait()
			window = window[:0]

			for _, rs := range out {
				for _, r := range rs {
					if !yield(r) {
						return false
					}
				}
			}
			return ctx.Err() == nil
		}

		for batch := range batches {
			window = append(window, batch)
			if len(window) == workers && !flush() {
				return
			}
		}
		if len(window) > 0 {
			flush()
		}
	}
}

func resolveBatch(batch GeneHitSet) []Resolved {
	genes := make([]string, 0, len(batch))
	for gene := range batch {
		genes = append(genes, gene)
	}
	sort.Strings(genes)

	var out []Resolved
	for _, gene := range genes {
		hits := batch[gene]
		if len(hits) > 1 {
			hits = filterOverlaps(hits)
			logger.Debug("Overlap filter", zap.String("gene", gene), zap.Int("passed", len(hits)))
		}
		for _, h := range hits {
			out = append(out, Display(h))
		}
	}
	return out
}

// filterOverlaps works on a sorted copy; the caller's slice is left untouched.
func filterOverlaps(in []Hit) []Hit {
	hits := slices.Clone(in)
	slices.SortStableFunc(hits, func(a, b Hit) int {
		return a.GeneStart - b.GeneStart
	})

	idx := 0
	for idx < len(hits)-1 {
		h1, h2 := hits[idx], hits[idx+1]
		if redundant(h1, h2) {
			// The cursor stays put: the next neighbour slides into idx+1.
			if h1.Evalue <= h2.Evalue {
				hits = slices.Delete(hits, idx+1, idx+2)
			} else {
				hits = slices.Delete(hits, idx, idx+1)
			}
			continue
		}
		idx++
	}
	return hits
}

func redundant(h1, h2 Hit) bool {
	overlap := h1.GeneEnd - h2.GeneStart
	if overlap <= 0 {
		return false
	}
	return ratio(overlap, h1.GeneEnd-h1.GeneStart) > overlapRatio ||
		ratio(overlap, h2.GeneEnd-h2.GeneStart) > overlapRatio
}

func ratio(overlap, span int) float64 {
	// float division: a zero span gives +Inf, so a point hit inside another is redundant.
	return float64(overlap) / float64(span)
}
