package container

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"depth-relay-go/infrastructure/logger"
)

// systemdNotifier 通过 NOTIFY_SOCKET 上报状态；不在 systemd 下运行时全部是空操作。
type systemdNotifier struct {
	log *logger.Logger
}

func (n systemdNotifier) notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", zap.String("state", state), zap.Error(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", zap.String("state", state))
	}
}

func (n systemdNotifier) ready()    { n.notify(daemon.SdNotifyReady) }
func (n systemdNotifier) stopping() { n.notify(daemon.SdNotifyStopping) }

// watchdog 按 WatchdogSec 的一半周期喂狗，health 失败时暂停喂狗让 systemd 重启进程。
func (n systemdNotifier) watchdog(ctx context.Context, health func() error) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := health(); err != nil {
				n.log.Warn("skip watchdog ping", zap.Error(err))
				continue
			}
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
