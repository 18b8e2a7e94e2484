package transport

import (
	"strings"
	"sync/atomic"
)

// AliasTable 对外名称 -> 实际交易对，可在运行时整体替换。
type AliasTable struct {
	m atomic.Pointer[map[string]string]
}

func NewAliasTable(aliases map[string]string) *AliasTable {
	t := &AliasTable{}
	t.Replace(aliases)
	return t
}

// Replace 原子替换整张表，键和值统一转大写。
func (t *AliasTable) Replace(aliases map[string]string) {
	m := make(map[string]string, len(aliases))
	for k, v := range aliases {
		k = strings.ToUpper(strings.TrimSpace(k))
		v = strings.ToUpper(strings.TrimSpace(v))
		if k == "" || v == "" || k == v {
			continue
		}
		m[k] = v
	}
	t.m.Store(&m)
}

// Resolve 返回实际交易对和展示名；未命中别名时 alias 为空。
func (t *AliasTable) Resolve(name string) (symbol, alias string) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if t == nil {
		return name, ""
	}
	if m := t.m.Load(); m != nil {
		if target, ok := (*m)[name]; ok {
			return target, name
		}
	}
	return name, ""
}

func (t *AliasTable) Len() int {
	if t == nil {
		return 0
	}
	if m := t.m.Load(); m != nil {
		return len(*m)
	}
	return 0
}
