package container

import (
	"context"
	"time"

	"go.uber.org/zap"

	"depth-relay-go/infrastructure/alert"
	"depth-relay-go/infrastructure/logger"
	"depth-relay-go/internal/engine"
	"depth-relay-go/internal/transport"
)

// stateWatcher 轮询同步器状态。
// 断档重同步是正常恢复路径，不告警；只有离开 LIVE 超过 grace 仍未恢复时告警一次，
// 同步器退出（STOPPED）立即告警。
type stateWatcher struct {
	alerts   *alert.Manager
	sources  []transport.SyncStatus
	interval time.Duration
	grace    time.Duration
	log      *logger.Logger
	now      func() time.Time

	outage  map[string]time.Time // 离开 LIVE 的时间
	alerted map[string]bool      // 本次 outage / STOPPED 是否已告警
}

func newStateWatcher(alerts *alert.Manager, sources []transport.SyncStatus, interval, grace time.Duration, log *logger.Logger) *stateWatcher {
	return &stateWatcher{
		alerts:   alerts,
		sources:  sources,
		interval: interval,
		grace:    grace,
		log:      log,
		now:      time.Now,
		outage:   make(map[string]time.Time, len(sources)),
		alerted:  make(map[string]bool, len(sources)),
	}
}

func (w *stateWatcher) run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

func (w *stateWatcher) check(ctx context.Context) {
	now := w.now()
	for _, src := range w.sources {
		sym := src.Symbol()
		st := src.State()

		switch st {
		case engine.StateLive:
			delete(w.outage, sym)
			w.alerted[sym] = false
			continue
		case engine.StateStopped:
			if !w.alerted[sym] {
				w.alerted[sym] = true
				w.send(ctx, src, alert.LevelCritical, "order book sync stopped", nil)
			}
			continue
		}

		since, ok := w.outage[sym]
		if !ok {
			w.outage[sym] = now
			continue
		}
		if w.grace > 0 && !w.alerted[sym] && now.Sub(since) >= w.grace {
			w.alerted[sym] = true
			w.send(ctx, src, alert.LevelWarning, "order book not live", map[string]interface{}{
				"since": since.UTC().Format(time.RFC3339),
			})
		}
	}
}

func (w *stateWatcher) send(ctx context.Context, src transport.SyncStatus, level alert.Level, msg string, extra map[string]interface{}) {
	fields := map[string]interface{}{
		"state":       src.State().String(),
		"last_update": src.LastUpdateID(),
	}
	for k, v := range extra {
		fields[k] = v
	}
	a := alert.Alert{Level: level, Symbol: src.Symbol(), Message: msg, Fields: fields}
	if err := w.alerts.Send(ctx, a); err != nil {
		w.log.Warn("alert delivery failed", zap.String("symbol", src.Symbol()), zap.Error(err))
	}
}
