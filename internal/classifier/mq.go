// Package classifier requests pest classification from the external model
// workers over the message queue.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cocoguard/apiserver/internal/apperr"
	"github.com/cocoguard/apiserver/internal/mq"
	"github.com/cocoguard/apiserver/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrClassifierUnavailable wraps every classification failure.
var ErrClassifierUnavailable = fmt.Errorf("classifier: %w", apperr.ErrDependencyUnavailable)

var errResultsStopped = fmt.Errorf("%w: result consumer stopped", ErrClassifierUnavailable)

// Broker is the part of the message queue the classifier needs.
type Broker interface {
	PublishJSON(ctx context.Context, channel string, value any, attrs map[string]string) (string, error)
	Subscribe(ctx context.Context, channel string, handler mq.Handler) error
}

// Request is published for every image to classify.
type Request struct {
	RequestID string `json:"request_id"`
	ImageRef  string `json:"image_ref"`
	Bucket    string `json:"bucket,omitempty"`
}

// Result is published by the model workers. Error is set when the image
// could not be classified.
type Result struct {
	RequestID  string  `json:"request_id"`
	PestTypeID int     `json:"pest_type_id"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error,omitempty"`
}

// MQClassifier correlates published requests with results by request id.
// Run must be started before Classify is useful.
type MQClassifier struct {
	broker   Broker
	requests string
	results  string
	bucket   string
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]chan Result

	stopOnce sync.Once
	stopped  chan struct{}
}

func NewMQClassifier(broker Broker, requests, results, bucket string, logger *zap.Logger) *MQClassifier {
	return &MQClassifier{
		broker:   broker,
		requests: requests,
		results:  results,
		bucket:   bucket,
		logger:   logger,
		pending:  make(map[string]chan Result),
		stopped:  make(chan struct{}),
	}
}

// Run consumes results until ctx is done. Once it returns, pending and
// future Classify calls fail immediately since no result can arrive.
func (c *MQClassifier) Run(ctx context.Context) error {
	defer c.stopOnce.Do(func() { close(c.stopped) })
	return c.broker.Subscribe(ctx, c.results, c.handleResult)
}

// Classify publishes a request for imageRef and waits for its result or
// for ctx to end. A late result for an abandoned request is discarded.
func (c *MQClassifier) Classify(ctx context.Context, imageRef string) (types.Classification, error) {
	select {
	case <-c.stopped:
		return types.Classification{}, errResultsStopped
	default:
	}
	requestID := uuid.NewString()
	ch := make(chan Result, 1)

	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	req := Request{RequestID: requestID, ImageRef: imageRef, Bucket: c.bucket}
	if _, err := c.broker.PublishJSON(ctx, c.requests, req, map[string]string{"request_id": requestID}); err != nil {
		return types.Classification{}, fmt.Errorf("%w: publish request: %v", ErrClassifierUnavailable, err)
	}

	select {
	case res := <-ch:
		if res.Error != "" {
			return types.Classification{}, fmt.Errorf("%w: %s", ErrClassifierUnavailable, res.Error)
		}
		if res.PestTypeID < 1 {
			return types.Classification{}, fmt.Errorf("%w: no pest detected", ErrClassifierUnavailable)
		}
		return types.Classification{PestTypeID: res.PestTypeID, Confidence: clamp01(res.Confidence)}, nil
	case <-ctx.Done():
		return types.Classification{}, fmt.Errorf("%w: %w", ErrClassifierUnavailable, ctx.Err())
	case <-c.stopped:
		return types.Classification{}, errResultsStopped
	}
}

func (c *MQClassifier) handleResult(ctx context.Context, msg mq.Message) error {
	var res Result
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		// Redelivery cannot fix a malformed payload.
		c.logger.Warn("discarding malformed classification result", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	if res.RequestID == "" {
		return errors.New("classification result without request id")
	}

	c.mu.Lock()
	ch, ok := c.pending[res.RequestID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("no pending request for classification result", zap.String("request_id", res.RequestID))
		return nil
	}
	select {
	case ch <- res:
	default:
	}
	return nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
