package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cocoguard/apiserver/internal/apperr"
	"github.com/cocoguard/apiserver/internal/mq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// loopbackBroker answers every request through the subscribed handler.
type loopbackBroker struct {
	reply      func(Request) *Result
	publishErr error
	handler    mq.Handler
	ready      chan struct{}
}

func newLoopbackBroker(reply func(Request) *Result) *loopbackBroker {
	return &loopbackBroker{reply: reply, ready: make(chan struct{})}
}

func (b *loopbackBroker) PublishJSON(ctx context.Context, channel string, value any, attrs map[string]string) (string, error) {
	if b.publishErr != nil {
		return "", b.publishErr
	}
	req := value.(Request)
	if res := b.reply(req); res != nil {
		data, _ := json.Marshal(res)
		go func() {
			_ = b.handler(context.Background(), mq.Message{ID: "r", Data: data})
		}()
	}
	return "m", nil
}

func (b *loopbackBroker) Subscribe(ctx context.Context, channel string, handler mq.Handler) error {
	b.handler = handler
	close(b.ready)
	<-ctx.Done()
	return ctx.Err()
}

func startClassifier(t *testing.T, broker *loopbackBroker) *MQClassifier {
	t.Helper()
	c := NewMQClassifier(broker, "req", "res", "scans", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = c.Run(ctx) }()
	<-broker.ready
	return c
}

func TestClassifyReturnsResult(t *testing.T) {
	broker := newLoopbackBroker(func(req Request) *Result {
		return &Result{RequestID: req.RequestID, PestTypeID: 2, Confidence: 0.91}
	})
	c := startClassifier(t, broker)

	res, err := c.Classify(context.Background(), "scans/1/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, 2, res.PestTypeID)
	assert.InDelta(t, 0.91, res.Confidence, 1e-9)
}

func TestClassifyReportsWorkerError(t *testing.T) {
	broker := newLoopbackBroker(func(req Request) *Result {
		return &Result{RequestID: req.RequestID, Error: "image unreadable"}
	})
	c := startClassifier(t, broker)

	_, err := c.Classify(context.Background(), "scans/1/a.jpg")
	assert.ErrorIs(t, err, apperr.ErrDependencyUnavailable)
	assert.ErrorContains(t, err, "image unreadable")
}

func TestClassifyTimesOut(t *testing.T) {
	broker := newLoopbackBroker(func(Request) *Result { return nil })
	c := startClassifier(t, broker)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Classify(ctx, "scans/1/a.jpg")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrClassifierUnavailable)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.pending)
}

func TestClassifyPublishFailure(t *testing.T) {
	broker := newLoopbackBroker(nil)
	broker.publishErr = errors.New("broker down")
	c := NewMQClassifier(broker, "req", "res", "", zap.NewNop())

	_, err := c.Classify(context.Background(), "scans/1/a.jpg")
	assert.ErrorIs(t, err, ErrClassifierUnavailable)
}

func TestHandleResultIgnoresUnknownAndMalformed(t *testing.T) {
	c := NewMQClassifier(newLoopbackBroker(nil), "req", "res", "", zap.NewNop())

	assert.NoError(t, c.handleResult(context.Background(), mq.Message{Data: []byte("not json")}))
	assert.NoError(t, c.handleResult(context.Background(), mq.Message{Data: []byte(`{"request_id":"nobody"}`)}))
	assert.Error(t, c.handleResult(context.Background(), mq.Message{Data: []byte(`{}`)}))
}

func TestClassifyFailsOnceResultsStop(t *testing.T) {
	broker := newLoopbackBroker(func(Request) *Result { return nil })
	c := NewMQClassifier(broker, "req", "res", "", zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- c.Run(ctx) }()
	<-broker.ready

	classified := make(chan error, 1)
	go func() {
		_, err := c.Classify(context.Background(), "scans/1/a.jpg")
		classified <- err
	}()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.pending) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-runDone
	select {
	case err := <-classified:
		assert.ErrorIs(t, err, ErrClassifierUnavailable)
	case <-time.After(time.Second):
		t.Fatal("pending classification was not released when the consumer stopped")
	}

	_, err := c.Classify(context.Background(), "scans/1/b.jpg")
	assert.ErrorIs(t, err, ErrClassifierUnavailable)
}
