// Package semantic scores text similarity between tasks. The production
// scorer embeds task text through genkit and compares vectors by cosine;
// when no provider is configured a deterministic lexical scorer stands in
// so the pipeline stays usable offline.
package semantic

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// Scored is one corpus entry with its similarity to the query text.
type Scored struct {
	Text       string  `json:"text"`
	Similarity float64 `json:"similarity"`
}

// Scorer is the external similarity collaborator contract.
type Scorer interface {
	// Similarity returns a score in [0,1] for two texts.
	Similarity(ctx context.Context, a, b string) (float64, error)
	// TopK returns the k corpus entries most similar to text, strongest
	// first.
	TopK(ctx context.Context, text string, corpus []string, k int) ([]Scored, error)
}

// topK is shared by both scorers once pairwise scoring exists.
func topK(ctx context.Context, s Scorer, text string, corpus []string, k int) ([]Scored, error) {
	scored := make([]Scored, 0, len(corpus))
	for _, c := range corpus {
		sim, err := s.Similarity(ctx, text, c)
		if err != nil {
			return nil, err
		}
		scored = append(scored, Scored{Text: c, Similarity: sim})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Similarity > scored[j].Similarity })
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// EmbedScorer scores similarity with provider embeddings. Vectors are
// cached per text for the life of the scorer; a review session creates
// one scorer, so the cache is naturally session-scoped.
type EmbedScorer struct {
	g        *genkit.Genkit
	embedder string

	mu    sync.Mutex
	cache map[string][]float32
}

// NewEmbedScorer wraps an initialized genkit instance. embedder is the
// fully qualified embedder name, e.g. "googleai/text-embedding-004".
func NewEmbedScorer(g *genkit.Genkit, embedder string) *EmbedScorer {
	return &EmbedScorer{
		g:        g,
		embedder: embedder,
		cache:    make(map[string][]float32),
	}
}

func (s *EmbedScorer) Similarity(ctx context.Context, a, b string) (float64, error) {
	vecs, err := s.embed(ctx, []string{a, b})
	if err != nil {
		return 0, err
	}
	return clamp01(cosine(vecs[0], vecs[1])), nil
}

func (s *EmbedScorer) TopK(ctx context.Context, text string, corpus []string, k int) ([]Scored, error) {
	// Warm the cache in one batch before pairwise scoring.
	if _, err := s.embed(ctx, append([]string{text}, corpus...)); err != nil {
		return nil, err
	}
	return topK(ctx, s, text, corpus, k)
}

// embed returns vectors for all texts, fetching only cache misses.
func (s *EmbedScorer) embed(ctx context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	var missing []string
	seen := make(map[string]struct{})
	for _, t := range texts {
		if _, ok := s.cache[t]; ok {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		missing = append(missing, t)
	}
	s.mu.Unlock()

	if len(missing) > 0 {
		resp, err := genkit.Embed(ctx, s.g,
			ai.WithEmbedderName(s.embedder),
			ai.WithTextDocs(missing...),
		)
		if err != nil {
			return nil, fmt.Errorf("embed %d texts: %w", len(missing), err)
		}
		if len(resp.Embeddings) != len(missing) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(resp.Embeddings), len(missing))
		}
		s.mu.Lock()
		for i, t := range missing {
			s.cache[t] = resp.Embeddings[i].Embedding
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = s.cache[t]
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// LexicalScorer is the deterministic offline fallback: token Jaccard
// similarity over lowercased words. Crude, but monotone enough for dedup
// and pattern anchoring when no embedding provider is configured.
type LexicalScorer struct{}

func NewLexicalScorer() *LexicalScorer { return &LexicalScorer{} }

func (LexicalScorer) Similarity(_ context.Context, a, b string) (float64, error) {
	as, bs := tokenSet(a), tokenSet(b)
	if len(as) == 0 || len(bs) == 0 {
		return 0, nil
	}
	inter := 0
	for t := range as {
		if _, ok := bs[t]; ok {
			inter++
		}
	}
	union := len(as) + len(bs) - inter
	return float64(inter) / float64(union), nil
}

func (s LexicalScorer) TopK(ctx context.Context, text string, corpus []string, k int) ([]Scored, error) {
	return topK(ctx, s, text, corpus, k)
}

func tokenSet(text string) map[string]struct{} {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
