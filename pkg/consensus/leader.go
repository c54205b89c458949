package consensus

// LeaderInfo describes the current known leader.
type LeaderInfo struct {
	ID   string
	Addr string
	Term uint64
}

// LeaderNotifier is implemented by engines that publish leadership changes.
// The channel is buffered and may drop updates when the reader lags.
type LeaderNotifier interface {
	LeaderCh() <-chan LeaderInfo
}
