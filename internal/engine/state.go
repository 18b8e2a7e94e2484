package engine

// State 同步器状态
type State int32

const (
	// StateUninitialized 尚未启动
	StateUninitialized State = iota
	// StateSnapshotLoading 首次拉取快照
	StateSnapshotLoading
	// StateLive 实时应用增量
	StateLive
	// StateResyncing 检测到断档，重新拉取快照
	StateResyncing
	// StateStopped 终态
	StateStopped
)

// String 返回状态名称
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateSnapshotLoading:
		return "SNAPSHOT_LOADING"
	case StateLive:
		return "LIVE"
	case StateResyncing:
		return "RESYNCING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// fetching 快照请求在途的状态。
func (s State) fetching() bool {
	return s == StateSnapshotLoading || s == StateResyncing
}
