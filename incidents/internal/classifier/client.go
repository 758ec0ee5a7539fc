// Package classifier calls the external clustering model over request/reply.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/telhawk-systems/telhawk-incidents/common/logging"
	"github.com/telhawk-systems/telhawk-incidents/common/messaging"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/metrics"
	"github.com/telhawk-systems/telhawk-incidents/incidents/internal/models"
)

// Assignment is the classifier's answer for one feature vector.
type Assignment struct {
	ModelID   int64 `json:"model_id"`
	ClusterID int64 `json:"cluster_id"`
}

// Classifier maps a feature vector to its current cluster.
type Classifier interface {
	Classify(ctx context.Context, datasourceID int64, featureVector []float64) (Assignment, error)
}

// Unavailable answers every request with models.ErrClassifierUnavailable.
// It stands in when the service runs without a message bus.
type Unavailable struct{}

// Classify implements Classifier.
func (Unavailable) Classify(context.Context, int64, []float64) (Assignment, error) {
	return Assignment{}, fmt.Errorf("%w: no message bus configured", models.ErrClassifierUnavailable)
}

// Requester is the request/reply half of a message bus.
type Requester interface {
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) (*messaging.Message, error)
}

type classifyRequest struct {
	DatasourceID  int64     `json:"datasource_id"`
	FeatureVector []float64 `json:"feature_vector"`
}

type classifyResponse struct {
	ModelID   int64  `json:"model_id"`
	ClusterID int64  `json:"cluster_id"`
	Error     string `json:"error,omitempty"`
}

// Config configures the RPC client.
type Config struct {
	Subject string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client is a Classifier over a message bus.
type Client struct {
	bus     Requester
	subject string
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a classifier client.
func NewClient(bus Requester, cfg Config) *Client {
	if cfg.Subject == "" {
		cfg.Subject = messaging.SubjectClassifierClassify
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{bus: bus, subject: cfg.Subject, timeout: cfg.Timeout, logger: cfg.Logger}
}

// Classify asks the classifier for the cluster of featureVector. Every
// failure wraps models.ErrClassifierUnavailable.
func (c *Client) Classify(ctx context.Context, datasourceID int64, featureVector []float64) (Assignment, error) {
	if len(featureVector) == 0 {
		return Assignment{}, fmt.Errorf("%w: empty feature vector", models.ErrInvalidInput)
	}
	payload, err := json.Marshal(classifyRequest{DatasourceID: datasourceID, FeatureVector: featureVector})
	if err != nil {
		return Assignment{}, fmt.Errorf("failed to marshal classify request: %w", err)
	}

	start := time.Now()
	reply, err := c.bus.Request(ctx, c.subject, payload, c.timeout)
	metrics.ClassifierDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ClassifierRequestsTotal.WithLabelValues(status(err)).Inc()
		return Assignment{}, fmt.Errorf("%w: %v", models.ErrClassifierUnavailable, err)
	}

	var resp classifyResponse
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		metrics.ClassifierRequestsTotal.WithLabelValues("invalid").Inc()
		return Assignment{}, fmt.Errorf("%w: invalid response: %v", models.ErrClassifierUnavailable, err)
	}
	if resp.Error != "" {
		metrics.ClassifierRequestsTotal.WithLabelValues("error").Inc()
		return Assignment{}, fmt.Errorf("%w: %s", models.ErrClassifierUnavailable, resp.Error)
	}

	metrics.ClassifierRequestsTotal.WithLabelValues("ok").Inc()
	c.logger.DebugContext(ctx, "classified feature vector",
		logging.DatasourceID(datasourceID), logging.ModelID(resp.ModelID), logging.ClusterID(resp.ClusterID))
	return Assignment{ModelID: resp.ModelID, ClusterID: resp.ClusterID}, nil
}

func status(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}
