package memorysrv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/Abraxas-365/recall/pkg/ai/embedding"
	"github.com/Abraxas-365/recall/pkg/config"
	"github.com/Abraxas-365/recall/pkg/errx"
	"github.com/Abraxas-365/recall/pkg/kernel"
	"github.com/Abraxas-365/recall/pkg/logx"
	"github.com/Abraxas-365/recall/pkg/memory"
)

// CompressionEngine folds clusters of related QUICK units into LONG_TERM
// summary units once their quality clears the configured threshold.
//
// Clustering is by time window: a project's QUICK units older than the
// minimum age are bucketed by created_at. Quality combines cohesion (mean
// pairwise cosine similarity of member vectors) with a size factor n/(n+1),
// so singletons never qualify and scattered buckets get rejected.
type CompressionEngine struct {
	repo       memory.UnitRepository
	index      memory.VectorIndex
	leases     memory.LeaseManager
	summarizer Summarizer
	embedder   embedding.Embedder
	cfg        *config.MemoryConfig
}

func NewCompressionEngine(
	repo memory.UnitRepository,
	index memory.VectorIndex,
	leases memory.LeaseManager,
	summarizer Summarizer,
	embedder embedding.Embedder,
	cfg *config.MemoryConfig,
) *CompressionEngine {
	return &CompressionEngine{
		repo:       repo,
		index:      index,
		leases:     leases,
		summarizer: summarizer,
		embedder:   embedder,
		cfg:        cfg,
	}
}

type cluster struct {
	bucketStart time.Time
	members     []*memory.MemoryUnit
}

// CompressProject runs one compression pass over a project. Per-cluster
// failures are logged and counted against the cluster's retry budget; they
// never abort the pass. Returns the number of clusters compressed.
func (c *CompressionEngine) CompressProject(ctx context.Context, projectID kernel.ProjectID) (int, error) {
	cutoff := time.Now().Add(-c.cfg.CompressionMinAge)
	units, err := c.repo.FindByProject(ctx, projectID, memory.UnitFilter{
		States:     []memory.State{memory.StateQuick},
		OlderThan:  &cutoff,
		OrderByAsc: true,
	})
	if err != nil {
		return 0, err
	}
	if len(units) < 2 {
		return 0, nil
	}

	compressed := 0
	for _, cl := range c.clusterByWindow(units) {
		if ctx.Err() != nil {
			return compressed, nil
		}
		if len(cl.members) < 2 {
			continue
		}

		key := c.clusterKey(projectID, cl)

		exempt, err := c.leases.IsExempt(ctx, key)
		if err != nil {
			logx.Warnf("failed to check cluster exemption: %v", err)
			continue
		}
		if exempt {
			logx.Debugf("cluster %s is compression-exempt, skipping", key)
			continue
		}

		ok, err := c.compressCluster(ctx, projectID, key, cl.members)
		if err != nil {
			if errx.IsCode(err, memory.CodeInsufficientQuality) {
				// Expected outcome: the cluster stays as-is for the next sweep
				logx.Debugf("cluster %s below quality threshold: %v", key, err)
				continue
			}
			logx.WithFields(logx.Fields{
				"project_id": projectID.String(),
				"cluster":    key,
			}).Warnf("compression failed: %v", err)

			exempt, recErr := c.leases.RecordFailure(ctx, key, c.cfg.CompressionAttempts, c.cfg.CompressionCooldown)
			if recErr != nil {
				logx.Warnf("failed to record compression failure: %v", recErr)
			} else if exempt {
				logx.WithFields(logx.Fields{"cluster": key}).
					Warnf("cluster marked compression-exempt after %d attempts", c.cfg.CompressionAttempts)
			}
			continue
		}
		if ok {
			compressed++
		}
	}

	return compressed, nil
}

// clusterByWindow buckets units by created_at into COMPRESSION_WINDOW-sized
// windows, preserving chronological order inside each bucket.
func (c *CompressionEngine) clusterByWindow(units []*memory.MemoryUnit) []cluster {
	buckets := make(map[int64][]*memory.MemoryUnit)
	for _, u := range units {
		start := u.CreatedAt.Truncate(c.cfg.CompressionWindow)
		buckets[start.Unix()] = append(buckets[start.Unix()], u)
	}

	starts := make([]int64, 0, len(buckets))
	for start := range buckets {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	clusters := make([]cluster, 0, len(starts))
	for _, start := range starts {
		clusters = append(clusters, cluster{
			bucketStart: time.Unix(start, 0).UTC(),
			members:     buckets[start],
		})
	}

	return clusters
}

// clusterKey identifies a cluster by project, window and membership, so a
// membership change resets any exemption.
func (c *CompressionEngine) clusterKey(projectID kernel.ProjectID, cl cluster) string {
	ids := make([]string, len(cl.members))
	for i, u := range cl.members {
		ids[i] = u.ID.String()
	}
	sort.Strings(ids)

	hash := sha256.Sum256([]byte(strings.Join(ids, ",")))
	return fmt.Sprintf("compress:%s:%d:%s", projectID.String(), cl.bucketStart.Unix(), hex.EncodeToString(hash[:]))
}

// compressCluster attempts one cluster under its attempt lease. Returns
// (false, nil) when the lease is held elsewhere.
func (c *CompressionEngine) compressCluster(ctx context.Context, projectID kernel.ProjectID, key string, members []*memory.MemoryUnit) (bool, error) {
	token, acquired, err := c.leases.TryAcquire(ctx, key, c.cfg.ClusterLeaseTTL)
	if err != nil {
		return false, err
	}
	if !acquired {
		logx.Debugf("cluster %s lease held elsewhere, skipping", key)
		return false, nil
	}
	defer func() {
		if err := c.leases.Release(ctx, key, token); err != nil {
			logx.Warnf("failed to release cluster lease %s: %v", key, err)
		}
	}()

	quality, err := c.clusterQuality(ctx, projectID, members)
	if err != nil {
		return false, err
	}
	if quality < c.cfg.QualityThreshold {
		return false, memory.ErrInsufficientQuality().
			WithDetail("quality", quality).
			WithDetail("threshold", c.cfg.QualityThreshold).
			WithDetail("size", len(members))
	}

	texts := make([]string, len(members))
	ids := make([]kernel.UnitID, len(members))
	for i, u := range members {
		texts[i] = u.Content
		ids[i] = u.ID
	}

	summaryText, err := c.summarizer.Summarize(ctx, texts)
	if err != nil {
		return false, err
	}

	embedded, err := c.embedder.EmbedDocuments(ctx, []string{summaryText})
	if err != nil {
		return false, err
	}

	now := time.Now()
	summary := memory.NewSummaryUnit(projectID, summaryText, ids, quality, now)

	// The summary vector goes in before the store transaction; a store
	// failure removes it again below.
	if err := c.index.Upsert(ctx, projectID, summary.ID, embedded[0].Vector, memory.StateLongTerm); err != nil {
		return false, err
	}

	if err := c.repo.CompressCluster(ctx, summary, ids, memory.StateQuick, now); err != nil {
		if delErr := c.index.Delete(ctx, projectID, summary.ID); delErr != nil {
			logx.Warnf("failed to remove orphan summary vector %s: %v", summary.ID.String(), delErr)
		}
		return false, err
	}

	// Sources are archived in the store; their vectors either leave the
	// index or stay flagged ARCHIVED for fallback search.
	for _, id := range ids {
		if c.cfg.ArchiveSearchback {
			if err := c.index.SetState(ctx, projectID, id, memory.StateArchived); err != nil {
				logx.Warnf("failed to flag archived vector %s: %v", id.String(), err)
			}
		} else {
			if err := c.index.Delete(ctx, projectID, id); err != nil {
				logx.Warnf("failed to delete archived vector %s: %v", id.String(), err)
			}
		}
	}

	if err := c.leases.ClearFailures(ctx, key); err != nil {
		logx.Warnf("failed to clear failure counter for %s: %v", key, err)
	}

	logx.WithFields(logx.Fields{
		"project_id": projectID.String(),
		"summary_id": summary.ID.String(),
		"sources":    len(ids),
		"quality":    quality,
	}).Infof("🗜️ compressed cluster into long-term unit")

	return true, nil
}

// clusterQuality reads member vectors back from the index and scores the
// cluster: mean pairwise cosine similarity scaled by n/(n+1).
func (c *CompressionEngine) clusterQuality(ctx context.Context, projectID kernel.ProjectID, members []*memory.MemoryUnit) (float64, error) {
	if len(members) < 2 {
		return 0, memory.ErrInsufficientQuality().WithDetail("size", len(members))
	}

	vectors := make([][]float32, len(members))
	for i, u := range members {
		vec, err := c.index.Embedding(ctx, projectID, u.ID)
		if err != nil {
			return 0, err
		}
		vectors[i] = vec
	}

	var sum float64
	pairs := 0
	for i := 0; i < len(vectors); i++ {
		for j := i + 1; j < len(vectors); j++ {
			sum += cosineSimilarity(vectors[i], vectors[j])
			pairs++
		}
	}

	cohesion := sum / float64(pairs)
	n := float64(len(members))

	return cohesion * n / (n + 1), nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
