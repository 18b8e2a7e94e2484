package config

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	appconfig "depth-relay-go/config"
	"depth-relay-go/infrastructure/logger"
)

// AliasReplacer 可整体替换的别名表（transport.AliasTable）。
type AliasReplacer interface {
	Replace(aliases map[string]string)
}

// RuntimeApplier 返回把可热更新字段（日志级别、别名表）应用到运行中组件的处理函数。
// 交易对列表、监听地址等需要重启，变化时只告警。
func RuntimeApplier(log *logger.Logger, aliases AliasReplacer) ReloadHandler {
	return func(old, updated appconfig.AppConfig) error {
		if updated.Log.Level != old.Log.Level {
			if err := log.SetLevel(updated.Log.Level); err != nil {
				return err
			}
			log.Info("log level changed", zap.String("from", old.Log.Level), zap.String("to", updated.Log.Level))
		}
		if aliases != nil {
			aliases.Replace(updated.Aliases)
		}
		if !sameSymbols(old.Symbols, updated.Symbols) {
			log.Warn("symbol list changed, restart required to take effect",
				zap.String("running", strings.Join(old.Symbols, ",")),
				zap.String("configured", strings.Join(updated.Symbols, ",")))
		}
		if old.Server.Addr() != updated.Server.Addr() || old.History.Driver != updated.History.Driver {
			log.Warn("server/history settings changed, restart required to take effect")
		}
		return nil
	}
}

func sameSymbols(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
