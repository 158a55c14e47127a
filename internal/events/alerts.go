// Package events publishes domain events to the message queue.
package events

import (
	"context"
	"strconv"

	"github.com/cocoguard/apiserver/types"
	"go.uber.org/zap"
)

// Publisher is the part of the message queue the events need.
type Publisher interface {
	PublishJSON(ctx context.Context, channel string, value any, attrs map[string]string) (string, error)
}

// AlertPublisher sends pest alerts so the notification workers can warn
// nearby farmers.
type AlertPublisher struct {
	queue   Publisher
	channel string
	logger  *zap.Logger
}

func NewAlertPublisher(queue Publisher, channel string, logger *zap.Logger) *AlertPublisher {
	return &AlertPublisher{queue: queue, channel: channel, logger: logger}
}

// PublishPestAlert publishes alert as JSON.
func (p *AlertPublisher) PublishPestAlert(ctx context.Context, alert types.PestAlert) error {
	id, err := p.queue.PublishJSON(ctx, p.channel, alert, map[string]string{
		"event":      "pest_alert",
		"risk_level": string(alert.RiskLevel),
		"scan_id":    strconv.Itoa(alert.ScanID),
	})
	if err != nil {
		return err
	}
	p.logger.Info("pest alert published",
		zap.String("message_id", id),
		zap.Int("scan_id", alert.ScanID),
		zap.String("pest", alert.PestName),
	)
	return nil
}
