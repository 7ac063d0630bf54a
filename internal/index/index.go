// Package index maintains the code relationship index: one entity set
// carrying both an embedding-similarity index (chromem) and an explicit
// relationship graph (import/call/reference edges). Queries rank by a
// combined score of vector similarity and graph proximity to caller-chosen
// anchor entities. Reads never take the ingestion lock.
package index

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	chromem "github.com/philippgille/chromem-go"
)

// Entity kinds.
const (
	KindFile   = "file"
	KindModule = "module"
	KindSymbol = "symbol"
)

// Edge is a directed relationship to another entity.
type Edge struct {
	Kind string // import, call, reference
	To   string
}

// Entity is one indexed code unit.
type Entity struct {
	ID         string
	Kind       string
	Attributes map[string]string
	Content    string
	Embedding  []float32
	Edges      []Edge
}

// clone returns a deep copy so readers can never mutate indexed state.
func (e *Entity) clone() *Entity {
	out := &Entity{
		ID:      e.ID,
		Kind:    e.Kind,
		Content: e.Content,
	}
	if e.Attributes != nil {
		out.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			out.Attributes[k] = v
		}
	}
	out.Embedding = append([]float32(nil), e.Embedding...)
	out.Edges = append([]Edge(nil), e.Edges...)
	return out
}

// Result is one ranked query hit.
type Result struct {
	Entity     *Entity
	Similarity float64 // embedding similarity in [0, 1]
	Proximity  float64 // graph proximity to the nearest anchor in [0, 1]
	Score      float64 // combined
}

// Scorer combines similarity and proximity into the ranking score.
type Scorer interface {
	Score(similarity, proximity float64) float64
}

// WeightedScorer is the default linear combination.
type WeightedScorer struct {
	Embedding float64
	Proximity float64
}

func (s WeightedScorer) Score(similarity, proximity float64) float64 {
	return s.Embedding*similarity + s.Proximity*proximity
}

// Summary describes index occupancy for the run snapshot.
type Summary struct {
	Entities int
	Edges    int
	PerKind  map[string]int
}

// Index is the combined semantic + graph index.
type Index struct {
	embed    chromem.EmbeddingFunc
	scorer   Scorer
	maxDepth int

	col *chromem.Collection

	// writeMu serializes ingestion only. Readers go straight to the sync
	// maps; stored values are immutable once published.
	writeMu   sync.Mutex
	entities  sync.Map // id -> *Entity
	neighbors sync.Map // id -> []string, outgoing and incoming, deduped
	count     atomic.Int64
	edgeCount atomic.Int64
}

// Option configures an Index.
type Option func(*Index)

// WithEmbeddingFunc replaces the default hash embedder.
func WithEmbeddingFunc(fn chromem.EmbeddingFunc) Option {
	return func(ix *Index) { ix.embed = fn }
}

// WithScorer replaces the default 0.7/0.3 weighting.
func WithScorer(s Scorer) Option {
	return func(ix *Index) { ix.scorer = s }
}

// WithMaxGraphDepth bounds the anchor-proximity search.
func WithMaxGraphDepth(depth int) Option {
	return func(ix *Index) { ix.maxDepth = depth }
}

// New creates an in-memory index.
func New(dim int, opts ...Option) (*Index, error) {
	ix := &Index{
		embed:    HashEmbedding(dim),
		scorer:   WeightedScorer{Embedding: 0.7, Proximity: 0.3},
		maxDepth: 4,
	}
	for _, opt := range opts {
		opt(ix)
	}

	col, err := chromem.NewDB().GetOrCreateCollection("code_entities", nil, ix.embed)
	if err != nil {
		return nil, fmt.Errorf("creating entity collection: %w", err)
	}
	ix.col = col
	return ix, nil
}

// Ingest adds or updates entities incrementally. An entity already present
// is merged: new attributes win per key, edges are unioned, content and
// embedding are replaced only when provided. Edges may point at entities
// that arrive in a later batch. Ingestion batches serialize with each
// other; queries proceed concurrently.
func (ix *Index) Ingest(ctx context.Context, entities ...Entity) error {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	for _, incoming := range entities {
		if incoming.ID == "" {
			return fmt.Errorf("entity has empty ID")
		}
		merged, fresh, err := ix.mergeLocked(ctx, incoming)
		if err != nil {
			return fmt.Errorf("ingesting %q: %w", incoming.ID, err)
		}

		if !fresh {
			// chromem has no update; replace the document.
			if err := ix.col.Delete(ctx, nil, nil, merged.ID); err != nil {
				return fmt.Errorf("replacing %q: %w", merged.ID, err)
			}
		}
		if err := ix.col.AddDocument(ctx, chromem.Document{
			ID:        merged.ID,
			Metadata:  map[string]string{"kind": merged.Kind},
			Embedding: merged.Embedding,
			Content:   entityText(merged),
		}); err != nil {
			return fmt.Errorf("indexing %q: %w", merged.ID, err)
		}

		ix.publishLocked(merged, fresh)
	}
	return nil
}

// mergeLocked combines an incoming entity with its stored version and
// computes a missing embedding. Returns the merged copy and whether the
// entity is new to the index.
func (ix *Index) mergeLocked(ctx context.Context, incoming Entity) (*Entity, bool, error) {
	var merged *Entity
	fresh := true
	if prev, ok := ix.entities.Load(incoming.ID); ok {
		fresh = false
		merged = prev.(*Entity).clone()
		if incoming.Kind != "" {
			merged.Kind = incoming.Kind
		}
		if incoming.Content != "" && incoming.Content != merged.Content {
			merged.Content = incoming.Content
			// Content changed: yesterday's vector no longer describes it.
			merged.Embedding = incoming.Embedding
		} else if incoming.Embedding != nil {
			merged.Embedding = incoming.Embedding
		}
		for k, v := range incoming.Attributes {
			if merged.Attributes == nil {
				merged.Attributes = make(map[string]string)
			}
			merged.Attributes[k] = v
		}
		merged.Edges = unionEdges(merged.Edges, incoming.Edges)
	} else {
		merged = incoming.clone()
		merged.Edges = unionEdges(nil, incoming.Edges)
	}

	if merged.Kind == "" {
		merged.Kind = KindSymbol
	}
	if merged.Embedding == nil {
		text := entityText(merged)
		emb, err := ix.embed(ctx, text)
		if err != nil {
			return nil, false, fmt.Errorf("embedding: %w", err)
		}
		merged.Embedding = emb
	}
	return merged, fresh, nil
}

// publishLocked stores the merged entity and refreshes adjacency for both
// endpoints of every edge. Readers see either the old or the new value,
// never a partial one.
func (ix *Index) publishLocked(merged *Entity, fresh bool) {
	if prev, ok := ix.entities.Load(merged.ID); ok {
		ix.edgeCount.Add(int64(len(merged.Edges) - len(prev.(*Entity).Edges)))
	} else {
		ix.edgeCount.Add(int64(len(merged.Edges)))
	}
	ix.entities.Store(merged.ID, merged)
	if fresh {
		ix.count.Add(1)
	}

	for _, edge := range merged.Edges {
		ix.addNeighbor(merged.ID, edge.To)
		ix.addNeighbor(edge.To, merged.ID)
	}
}

// addNeighbor appends to a copy of the adjacency slice and republishes it.
func (ix *Index) addNeighbor(from, to string) {
	var current []string
	if v, ok := ix.neighbors.Load(from); ok {
		current = v.([]string)
	}
	for _, n := range current {
		if n == to {
			return
		}
	}
	next := make([]string, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, to)
	sort.Strings(next)
	ix.neighbors.Store(from, next)
}

// unionEdges merges two edge lists, deduplicating by (kind, to) and
// sorting for deterministic storage.
func unionEdges(a, b []Edge) []Edge {
	seen := make(map[Edge]bool, len(a)+len(b))
	out := make([]Edge, 0, len(a)+len(b))
	for _, list := range [][]Edge{a, b} {
		for _, e := range list {
			if e.To == "" || seen[e] {
				continue
			}
			seen[e] = true
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].To != out[j].To {
			return out[i].To < out[j].To
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// entityText is what gets embedded and stored as document content: the
// entity's own content when present, otherwise its identity and attributes.
func entityText(e *Entity) string {
	if e.Content != "" {
		return e.Content
	}
	text := e.Kind + " " + e.ID
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		text += " " + k + "=" + e.Attributes[k]
	}
	return text
}

// Get returns a copy of the entity.
func (ix *Index) Get(id string) (*Entity, bool) {
	v, ok := ix.entities.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Entity).clone(), true
}

// Neighbors returns the adjacency list for an entity, incoming and
// outgoing edges combined.
func (ix *Index) Neighbors(id string) []string {
	v, ok := ix.neighbors.Load(id)
	if !ok {
		return nil
	}
	return append([]string(nil), v.([]string)...)
}

// Count returns the number of indexed entities.
func (ix *Index) Count() int {
	return int(ix.count.Load())
}

// Summarize reports occupancy for the run snapshot.
func (ix *Index) Summarize() Summary {
	s := Summary{PerKind: make(map[string]int)}
	ix.entities.Range(func(_, v any) bool {
		s.Entities++
		s.PerKind[v.(*Entity).Kind]++
		return true
	})
	s.Edges = int(ix.edgeCount.Load())
	return s
}

// Query returns the top-k entities for a text pattern, ranked by the
// combined score of embedding similarity and graph proximity to the given
// anchors. Ordering is deterministic: descending score, ties broken by
// entity id.
func (ix *Index) Query(ctx context.Context, pattern string, k int, anchors ...string) ([]Result, error) {
	if k <= 0 {
		return nil, nil
	}
	total := int(ix.count.Load())
	if total == 0 {
		return nil, nil
	}

	emb, err := ix.embed(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("embedding pattern: %w", err)
	}

	// Rank a wider candidate pool than k so graph proximity can pull in
	// entities the embedding alone would miss.
	pool := k * 4
	if pool < 32 {
		pool = 32
	}
	if pool > total {
		pool = total
	}

	hits, err := ix.col.QueryEmbedding(ctx, emb, pool, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying entities: %w", err)
	}

	dist := ix.anchorDistances(anchors)

	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		v, ok := ix.entities.Load(hit.ID)
		if !ok {
			continue
		}
		proximity := 0.0
		if d, reachable := dist[hit.ID]; reachable {
			proximity = 1.0 / float64(1+d)
		}
		similarity := float64(hit.Similarity)
		results = append(results, Result{
			Entity:     v.(*Entity).clone(),
			Similarity: similarity,
			Proximity:  proximity,
			Score:      ix.scorer.Score(similarity, proximity),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Entity.ID < results[j].Entity.ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// anchorDistances runs one multi-source BFS from all anchors over the
// relationship graph, bounded by maxDepth. An anchor is at distance 0.
func (ix *Index) anchorDistances(anchors []string) map[string]int {
	dist := make(map[string]int)
	var frontier []string
	for _, a := range anchors {
		if a == "" {
			continue
		}
		if _, ok := dist[a]; !ok {
			dist[a] = 0
			frontier = append(frontier, a)
		}
	}
	sort.Strings(frontier)

	for depth := 1; depth <= ix.maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			for _, n := range ix.Neighbors(id) {
				if _, seen := dist[n]; seen {
					continue
				}
				dist[n] = depth
				next = append(next, n)
			}
		}
		frontier = next
	}
	return dist
}
