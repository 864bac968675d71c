// Package knowledge retrieves knowledge-base chunks for agent prompts,
// semantically when embeddings are available and by keyword otherwise.
package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zulandar/switchboard/internal/logging"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	DefaultTopK      = 5
	DefaultThreshold = 0.7
)

// Embedder produces embedding vectors. *llm.Provider satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Chunk is one retrieval hit.
type Chunk struct {
	ID              uint
	KnowledgeBaseID uint
	DocumentName    string
	Content         string
	Score           float64
	Method          string // semantic or keyword
}

// Options bounds a retrieval. Zero values take the defaults.
type Options struct {
	TopK      int
	Threshold float64
}

// Retriever searches knowledge chunks.
type Retriever struct {
	db       *gorm.DB
	embedder Embedder
	cache    *lru.Cache[string, []float32]
	log      logging.Logger
}

// NewRetriever returns a Retriever. embedder may be nil, in which case
// only keyword search is used. cacheSize bounds the query-embedding cache.
func NewRetriever(db *gorm.DB, embedder Embedder, cacheSize int, log logging.Logger) (*Retriever, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}
	cache, err := lru.New[string, []float32](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("knowledge: create cache: %w", err)
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Retriever{db: db, embedder: embedder, cache: cache, log: log}, nil
}

// Retrieve returns up to TopK chunks from the given knowledge bases (all
// when kbIDs is empty). Semantic search runs first; an embedding failure or
// an empty semantic result falls back to keyword search.
func (r *Retriever) Retrieve(ctx context.Context, query string, kbIDs []uint, opts Options) ([]Chunk, error) {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	if r.embedder != nil {
		hits, err := r.semantic(ctx, query, kbIDs, opts)
		if err != nil {
			r.log.Warn("semantic search failed, using keyword search", "err", err)
		} else if len(hits) > 0 {
			return hits, nil
		}
	}
	return r.keyword(query, kbIDs, opts)
}

func (r *Retriever) scope(kbIDs []uint) *gorm.DB {
	q := r.db.Model(&models.KnowledgeChunk{})
	if len(kbIDs) > 0 {
		q = q.Where("knowledge_base_id IN ?", kbIDs)
	}
	return q
}

func (r *Retriever) queryEmbedding(ctx context.Context, query string) ([]float32, error) {
	if v, ok := r.cache.Get(query); ok {
		return v, nil
	}
	v, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	r.cache.Add(query, v)
	return v, nil
}

func (r *Retriever) semantic(ctx context.Context, query string, kbIDs []uint, opts Options) ([]Chunk, error) {
	qv, err := r.queryEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query: %w", err)
	}
	var rows []models.KnowledgeChunk
	if err := r.scope(kbIDs).Where("embedding IS NOT NULL").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("knowledge: load chunks: %w", err)
	}
	var hits []Chunk
	for _, row := range rows {
		var vec []float32
		if len(row.Embedding) == 0 || json.Unmarshal(row.Embedding, &vec) != nil || len(vec) == 0 {
			continue
		}
		score := Cosine(qv, vec)
		if score >= opts.Threshold {
			hits = append(hits, toChunk(row, score, "semantic"))
		}
	}
	return rank(hits, opts.TopK), nil
}

func (r *Retriever) keyword(query string, kbIDs []uint, opts Options) ([]Chunk, error) {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}
	var rows []models.KnowledgeChunk
	if err := r.scope(kbIDs).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("knowledge: load chunks: %w", err)
	}
	var hits []Chunk
	for _, row := range rows {
		if score := keywordScore(tokens, row.Content); score > 0 {
			hits = append(hits, toChunk(row, score, "keyword"))
		}
	}
	return rank(hits, opts.TopK), nil
}

func toChunk(row models.KnowledgeChunk, score float64, method string) Chunk {
	return Chunk{
		ID:              row.ID,
		KnowledgeBaseID: row.KnowledgeBaseID,
		DocumentName:    row.DocumentName,
		Content:         row.Content,
		Score:           score,
		Method:          method,
	}
}

// rank sorts by descending score, then id, and truncates to topK.
func rank(hits []Chunk, topK int) []Chunk {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

// Cosine returns the cosine similarity of a and b, or 0 when the vectors
// differ in length or either is zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// FormatContext renders hits as a prompt section.
func FormatContext(hits []Chunk) string {
	if len(hits) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant knowledge base excerpts:\n")
	for i, h := range hits {
		fmt.Fprintf(&b, "\n[%d] %s\n%s\n", i+1, h.DocumentName, strings.TrimSpace(h.Content))
	}
	return b.String()
}

// IndexMissing embeds chunks of a knowledge base that lack an embedding,
// batchSize at a time, and returns how many were embedded.
func (r *Retriever) IndexMissing(ctx context.Context, kbID uint, batchSize int) (int, error) {
	if r.embedder == nil {
		return 0, fmt.Errorf("knowledge: no embedder configured")
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	var rows []models.KnowledgeChunk
	if err := r.scope([]uint{kbID}).Where("embedding IS NULL").Order("id ASC").Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("knowledge: load unindexed chunks: %w", err)
	}
	done := 0
	for start := 0; start < len(rows); start += batchSize {
		end := min(start+batchSize, len(rows))
		batch := rows[start:end]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}
		vecs, err := r.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return done, fmt.Errorf("knowledge: embed batch: %w", err)
		}
		for i, c := range batch {
			data, err := json.Marshal(vecs[i])
			if err != nil {
				return done, fmt.Errorf("knowledge: encode embedding: %w", err)
			}
			if err := r.db.Model(&models.KnowledgeChunk{}).Where("id = ?", c.ID).
				Update("embedding", datatypes.JSON(data)).Error; err != nil {
				return done, fmt.Errorf("knowledge: store embedding %d: %w", c.ID, err)
			}
			done++
		}
	}
	return done, nil
}
