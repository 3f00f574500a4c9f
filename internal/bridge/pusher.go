package bridge

import (
	"context"

	"go.uber.org/zap"

	"github.com/javanhut/settingsync/internal/metrics"
	"github.com/javanhut/settingsync/internal/remote"
	"github.com/javanhut/settingsync/internal/snapshot"
)

// Pusher uploads the merged state and records the outcome.
type Pusher struct {
	remote  Communicator
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewPusher(c Communicator, m *metrics.Metrics, logger *zap.Logger) *Pusher {
	return &Pusher{remote: c, metrics: m, logger: logger}
}

// Push uploads snap, conditional on expected unless force is set.
func (p *Pusher) Push(ctx context.Context, snap *snapshot.Snapshot, force bool, expected string) remote.PushResult {
	res := p.remote.Push(ctx, snap, force, expected)
	p.metrics.Push(res.Status.String())
	switch res.Status {
	case remote.PushSuccess:
		p.logger.Info("pushed settings", zap.String("version", res.VersionID), zap.Bool("force", force))
	case remote.PushRejected:
		p.logger.Info("push rejected", zap.String("expected", expected))
	default:
		p.logger.Warn("push failed", zap.Error(res.Err))
	}
	return res
}
