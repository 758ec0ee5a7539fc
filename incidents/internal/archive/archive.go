// Package archive keeps a copy of training data in OpenSearch before it is
// deleted from the catalog.
package archive

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchutil"

	"github.com/telhawk-systems/telhawk-incidents/common/logging"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/metrics"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
)

// Archiver stores training data that is about to be deleted.
type Archiver interface {
	Archive(ctx context.Context, reason string, data []*models.TrainingDatum) error
}

// Nop discards everything. Used when archiving is disabled.
type Nop struct{}

// Archive implements Archiver.
func (Nop) Archive(context.Context, string, []*models.TrainingDatum) error { return nil }

// Config configures the OpenSearch connection.
type Config struct {
	URL      string
	Username string
	Password string
	Insecure bool
	Index    string
}

// OpenSearchArchiver bulk-indexes training data into one index.
type OpenSearchArchiver struct {
	client *opensearch.Client
	index  string
	logger *slog.Logger
	now    func() time.Time
}

type archivedDatum struct {
	*models.TrainingDatum
	Reason     string    `json:"archive_reason"`
	ArchivedAt time.Time `json:"archived_at"`
}

// NewOpenSearchArchiver connects to OpenSearch and verifies it answers.
func NewOpenSearchArchiver(cfg Config, logger *slog.Logger) (*OpenSearchArchiver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Index == "" {
		cfg.Index = "telhawk-incidents-training-archive"
	}
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.Insecure,
			},
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	info, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to ping opensearch: %w", err)
	}
	defer info.Body.Close()
	if info.IsError() {
		return nil, fmt.Errorf("opensearch returned error: %s", info.Status())
	}

	return &OpenSearchArchiver{client: client, index: cfg.Index, logger: logger, now: time.Now}, nil
}

// Archive indexes every datum, keyed by datasource and id so retries overwrite.
// It fails if any document was rejected.
func (a *OpenSearchArchiver) Archive(ctx context.Context, reason string, data []*models.TrainingDatum) error {
	if len(data) == 0 {
		return nil
	}
	bi, err := opensearchutil.NewBulkIndexer(opensearchutil.BulkIndexerConfig{
		Client: a.client,
		Index:  a.index,
	})
	if err != nil {
		return fmt.Errorf("failed to create bulk indexer: %w", err)
	}

	var (
		mu       sync.Mutex
		failed   int
		firstErr error
	)
	archivedAt := a.now().UTC()
	for _, d := range data {
		body, err := json.Marshal(archivedDatum{TrainingDatum: d, Reason: reason, ArchivedAt: archivedAt})
		if err != nil {
			return fmt.Errorf("failed to marshal training datum %d: %w", d.ID, err)
		}
		err = bi.Add(ctx, opensearchutil.BulkIndexerItem{
			Action:     "index",
			DocumentID: fmt.Sprintf("%d-%d", d.DatasourceID, d.ID),
			Body:       bytes.NewReader(body),
			OnFailure: func(_ context.Context, _ opensearchutil.BulkIndexerItem, res opensearchutil.BulkIndexerResponseItem, err error) {
				if err == nil {
					err = fmt.Errorf("%s: %s", res.Error.Type, res.Error.Reason)
				}
				mu.Lock()
				defer mu.Unlock()
				failed++
				if firstErr == nil {
					firstErr = err
				}
			},
		})
		if err != nil {
			_ = bi.Close(ctx)
			return fmt.Errorf("failed to add training datum %d to bulk indexer: %w", d.ID, err)
		}
	}
	if err := bi.Close(ctx); err != nil {
		return fmt.Errorf("bulk indexer close error: %w", err)
	}

	if failed > 0 {
		metrics.ArchivedTrainingDataTotal.WithLabelValues("failed").Add(float64(failed))
		return fmt.Errorf("failed to archive %d of %d training data: %w", failed, len(data), firstErr)
	}
	metrics.ArchivedTrainingDataTotal.WithLabelValues("archived").Add(float64(len(data)))
	a.logger.DebugContext(ctx, "training data archived",
		logging.DatasourceID(data[0].DatasourceID), slog.Int("count", len(data)), slog.String("reason", reason))
	return nil
}
