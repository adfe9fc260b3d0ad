// Package batch replays an oversized transmission as fixed-size chunks.
package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/logging"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/models"
)

const (
	DefaultChunkSize    = 10
	DefaultChunkTimeout = 15 * time.Second
)

// Info tells the collector which chunk of a split transmission it receives.
type Info struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// SendFunc transmits one chunk. ctx carries the per-chunk deadline.
type SendFunc func(ctx context.Context, chunk []models.QueuedItem, info Info) error

// ChunkResult is the outcome of one chunk.
type ChunkResult struct {
	Info Info
	IDs  []string
	Err  error
}

// Result collects the outcome of every chunk of one split.
type Result struct {
	Chunks    []ChunkResult
	SyncedIDs []string
	FailedIDs []string
}

// Err folds the chunk failures into one error, or nil when all succeeded.
func (r Result) Err() error {
	var result *multierror.Error
	for _, c := range r.Chunks {
		if c.Err != nil {
			result = multierror.Append(result, fmt.Errorf("chunk %d/%d: %w", c.Info.Current, c.Info.Total, c.Err))
		}
	}
	return result.ErrorOrNil()
}

// Splitter sends chunks sequentially, each under its own timeout. A failing
// chunk does not stop the following ones.
type Splitter struct {
	chunkSize    int
	chunkTimeout time.Duration
}

func NewSplitter(chunkSize int, chunkTimeout time.Duration) *Splitter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkTimeout <= 0 {
		chunkTimeout = DefaultChunkTimeout
	}
	return &Splitter{chunkSize: chunkSize, chunkTimeout: chunkTimeout}
}

// ChunkSize returns the configured chunk size.
func (s *Splitter) ChunkSize() int {
	return s.chunkSize
}

// Split partitions items into consecutive chunks of at most ChunkSize items.
func (s *Splitter) Split(items []models.QueuedItem) [][]models.QueuedItem {
	if len(items) == 0 {
		return nil
	}
	chunks := make([][]models.QueuedItem, 0, (len(items)+s.chunkSize-1)/s.chunkSize)
	for start := 0; start < len(items); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// Run sends items chunk by chunk through send.
func (s *Splitter) Run(ctx context.Context, items []models.QueuedItem, send SendFunc) Result {
	chunks := s.Split(items)
	result := Result{Chunks: make([]ChunkResult, 0, len(chunks))}

	logging.Info("Splitting oversized transmission", map[string]interface{}{
		"items":      len(items),
		"chunks":     len(chunks),
		"chunk_size": s.chunkSize,
	})

	for i, chunk := range chunks {
		info := Info{Current: i + 1, Total: len(chunks)}
		ids := models.IDs(chunk)

		err := s.sendChunk(ctx, chunk, info, send)
		result.Chunks = append(result.Chunks, ChunkResult{Info: info, IDs: ids, Err: err})
		if err != nil {
			result.FailedIDs = append(result.FailedIDs, ids...)
			logging.Warn("Chunk transmission failed", map[string]interface{}{
				"chunk": info.Current,
				"total": info.Total,
				"items": len(chunk),
				"error": err.Error(),
			})
			continue
		}
		result.SyncedIDs = append(result.SyncedIDs, ids...)
	}
	return result
}

func (s *Splitter) sendChunk(ctx context.Context, chunk []models.QueuedItem, info Info, send SendFunc) error {
	chunkCtx, cancel := context.WithTimeout(ctx, s.chunkTimeout)
	defer cancel()
	return send(chunkCtx, chunk, info)
}
