package logschema

import (
	"fmt"
	"sort"
	"strings"
)

// Schema 定义每个日志事件所需的关键字段，便于集中校验。
type Schema struct {
	Event    string
	Required []string
}

var schemas = map[string]Schema{
	"feed_resync": {
		Event:    "feed_resync",
		Required: []string{"symbol", "reason", "lastUpdateId"},
	},
	"feed_reconnect": {
		Event:    "feed_reconnect",
		Required: []string{"symbol", "attempt"},
	},
	"feed_live": {
		Event:    "feed_live",
		Required: []string{"symbol", "lastUpdateId", "replayed"},
	},
	"feed_stopped": {
		Event:    "feed_stopped",
		Required: []string{"symbol", "evicted"},
	},
	"subscriber_joined": {
		Event:    "subscriber_joined",
		Required: []string{"symbol", "subscriber", "backfill"},
	},
	"subscriber_dropped": {
		Event:    "subscriber_dropped",
		Required: []string{"symbol", "subscriber", "reason"},
	},
	"history_persist": {
		Event:    "history_persist",
		Required: []string{"symbol", "sink"},
	},
}

// Known 返回所有事件名，便于外部生成文档。
func Known() []string {
	names := make([]string, 0, len(schemas))
	for k := range schemas {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Validate 检查日志字段是否包含 schema 中要求的 key。未登记的事件不做校验。
func Validate(event string, fields map[string]interface{}) error {
	s, ok := schemas[event]
	if !ok {
		return nil
	}
	var missing []string
	for _, key := range s.Required {
		if _, exists := fields[key]; !exists {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing fields: %s", strings.Join(missing, ","))
	}
	return nil
}
