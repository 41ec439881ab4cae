package pipeline

import (
	"context"
	"log"
	"sort"
	"strings"
)

// Retriever issues pre-filtered vector searches against the fragment index.
// It over-fetches by a factor of 2 so the ranker has room to discard. Index or
// embedding failure here is fatal to the whole task.
type Retriever struct {
	gate       *modelGate
	index      FragmentIndex
	embedModel string
	log        *log.Logger
}

func NewRetriever(gate *modelGate, index FragmentIndex, embedModel string) *Retriever {
	return &Retriever{
		gate:       gate,
		index:      index,
		embedModel: embedModel,
		log:        log.New(log.Writer(), "[RETRIEVE] ", log.LstdFlags),
	}
}

// Retrieve returns up to 2k candidates ordered by similarity.
func (r *Retriever) Retrieve(ctx context.Context, spec SearchSpec, k int, filters SearchFilters) ([]Candidate, error) {
	if k <= 0 {
		k = 10
	}

	texts := searchTexts(spec)
	vecs, err := r.gate.embed(ctx, StageRetrieving, r.embedModel, texts, nil)
	if err != nil {
		return nil, ErrRetrievalFatal{Reason: "embedding provider unreachable", Err: err}
	}
	if len(vecs) == 0 {
		return nil, ErrRetrievalFatal{Reason: "embedding provider returned no vectors"}
	}

	mergeSpecFilters(&filters, spec)

	// One search per query text; the expanded variants bring back fragments
	// the literal query misses. Results are merged and deduplicated by id.
	perQuery := 2 * k
	seen := make(map[string]Candidate)
	for _, vec := range vecs {
		hits, err := r.index.Search(ctx, vec, perQuery, filters)
		if err != nil {
			return nil, ErrRetrievalFatal{Reason: "vector index unreachable", Err: err}
		}
		for _, h := range hits {
			if prev, ok := seen[h.Fragment.ID]; !ok || h.Similarity > prev.Similarity {
				seen[h.Fragment.ID] = Candidate{Fragment: h.Fragment, Similarity: h.Similarity}
			}
		}
	}

	out := make([]Candidate, 0, len(seen))
	for _, c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > perQuery {
		out = out[:perQuery]
	}
	for i := range out {
		out[i].Rank = i
	}
	r.log.Printf("retrieved %d candidates for %q (k=%d)", len(out), spec.Query, k)
	return out, nil
}

// searchTexts produces the texts to embed: the raw query first, then a single
// enriched variant folding in the expansion. Keeping this at two embeddings
// bounds the retrieval cost regardless of expansion size.
func searchTexts(spec SearchSpec) []string {
	texts := []string{spec.Query}
	var extra []string
	if len(spec.ExpandedTerms) > 0 {
		extra = append(extra, spec.ExpandedTerms...)
	}
	extra = append(extra, spec.Entities...)
	if len(extra) > 0 {
		texts = append(texts, spec.Query+" "+strings.Join(extra, " "))
	}
	return texts
}

// mergeSpecFilters folds inferred hints into the structured filters without
// overriding anything the caller set explicitly.
func mergeSpecFilters(f *SearchFilters, spec SearchSpec) {
	if spec.TimeWindow != nil {
		if f.From == nil && !spec.TimeWindow.From.IsZero() {
			from := spec.TimeWindow.From
			f.From = &from
		}
		if f.To == nil && !spec.TimeWindow.To.IsZero() {
			to := spec.TimeWindow.To
			f.To = &to
		}
	}
	if len(f.Entities) == 0 && len(spec.Entities) > 0 {
		f.Entities = append(f.Entities, spec.Entities...)
	}
}
