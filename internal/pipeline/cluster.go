package pipeline

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"

	"github.com/google/uuid"
)

// ClusterBuilder groups ranked candidates into thematically coherent clusters
// by density over cosine distance. Candidates with no close neighbor become
// singleton noise clusters. The output is always a partition of the input.
type ClusterBuilder struct {
	gate  *modelGate
	model string
	eps   float64 // cosine distance neighborhood radius
	log   *log.Logger
}

const (
	noiseConfidence   = 0.5
	clusterConfidence = 0.8
	maxRepresentative = 5
)

func NewClusterBuilder(gate *modelGate, model string, eps float64) *ClusterBuilder {
	if eps <= 0 {
		eps = 0.35
	}
	return &ClusterBuilder{
		gate:  gate,
		model: model,
		eps:   eps,
		log:   log.New(log.Writer(), "[CLUSTER] ", log.LstdFlags),
	}
}

// Build partitions candidates into clusters and generates a one-line summary
// per multi-member cluster. Summary generation degrades to a deterministic
// summary; grouping itself never touches the model.
func (b *ClusterBuilder) Build(ctx context.Context, candidates []Candidate, u *Usage) Outcome[[]Cluster] {
	if len(candidates) == 0 {
		return Parsed([]Cluster{})
	}

	groups := b.group(candidates)

	clusters := make([]Cluster, 0, len(groups))
	fellBack := false
	for _, members := range groups {
		c := Cluster{
			ID:      uuid.NewString(),
			Members: members,
		}
		if len(members) == 1 {
			c.Noise = true
			c.Confidence = noiseConfidence
			c.Summary = condense(members[0].Fragment.Content, 100)
		} else {
			c.Confidence = clusterConfidence
			summary, ok := b.summarize(ctx, members, u)
			if !ok {
				fellBack = true
			}
			c.Summary = summary
		}
		clusters = append(clusters, c)
	}

	b.log.Printf("built %d clusters from %d candidates", len(clusters), len(candidates))
	if fellBack {
		return Fallback(clusters, "cluster summary generation degraded")
	}
	return Parsed(clusters)
}

// group runs single-pass density grouping: each unvisited candidate seeds a
// cluster and absorbs every unvisited candidate within eps of any member.
// Candidates without embeddings cannot be compared and become noise.
func (b *ClusterBuilder) group(candidates []Candidate) [][]Candidate {
	n := len(candidates)
	assigned := make([]bool, n)
	var groups [][]Candidate

	for i := 0; i < n; i++ {
		if assigned[i] {
			continue
		}
		assigned[i] = true
		members := []Candidate{candidates[i]}
		if len(candidates[i].Fragment.Embedding) == 0 {
			groups = append(groups, members)
			continue
		}
		// Frontier expansion over the unvisited remainder.
		for f := 0; f < len(members); f++ {
			seed := members[f]
			for j := 0; j < n; j++ {
				if assigned[j] || len(candidates[j].Fragment.Embedding) == 0 {
					continue
				}
				if cosineDistance(seed.Fragment.Embedding, candidates[j].Fragment.Embedding) <= b.eps {
					assigned[j] = true
					members = append(members, candidates[j])
				}
			}
		}
		groups = append(groups, members)
	}
	return groups
}

// summarize asks for a one-line theme over at most 5 representative members.
// The representatives are the highest-ranked members, which the grouping pass
// preserves in input order.
func (b *ClusterBuilder) summarize(ctx context.Context, members []Candidate, u *Usage) (string, bool) {
	reps := members
	if len(reps) > maxRepresentative {
		reps = reps[:maxRepresentative]
	}

	var sb strings.Builder
	sb.WriteString("These personal-history fragments share a theme. Name it in one short sentence.\n")
	for _, m := range reps {
		sb.WriteString(fmt.Sprintf("- (%s) %s\n", m.Fragment.Timestamp.Format("2006-01-02"), condense(m.Fragment.Content, 120)))
	}
	sb.WriteString("Respond with the sentence only, no preamble.")

	raw, err := b.gate.generate(ctx, StageClustering, b.model, sb.String(), map[string]interface{}{
		"temperature": 0.3,
		"max_tokens":  60,
	}, u)
	if err != nil || strings.TrimSpace(raw) == "" {
		if err != nil {
			b.log.Printf("summary call failed: %v", err)
		}
		return condense(reps[0].Fragment.Content, 100), false
	}
	return firstLine(raw), true
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i != -1 {
		s = s[:i]
	}
	return strings.Trim(s, "\" ")
}

// cosineDistance is 1 - cosine similarity; mismatched or zero vectors are
// maximally distant.
func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
