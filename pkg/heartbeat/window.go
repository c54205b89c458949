package heartbeat

const (
	// WindowCapacity bounds every sliding window.
	WindowCapacity = 100
	// StalenessThreshold is how long, in milliseconds, a node may go without
	// a fresh sample before it is reported Unknown.
	StalenessThreshold int64 = 20_000
)

type timestamped interface {
	SendTimestamp() int64
}

// window keeps samples strictly increasing by send timestamp and evicts the
// oldest entry once capacity is exceeded. Callers hold the owning lock.
type window[S timestamped] struct {
	samples []S
}

func (w *window[S]) push(s S) bool {
	if n := len(w.samples); n > 0 && w.samples[n-1].SendTimestamp() >= s.SendTimestamp() {
		return false
	}
	w.samples = append(w.samples, s)
	if len(w.samples) > WindowCapacity {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:len(w.samples)-1]
	}
	return true
}

func (w *window[S]) last() (S, bool) {
	if len(w.samples) == 0 {
		var zero S
		return zero, false
	}
	return w.samples[len(w.samples)-1], true
}

func (w *window[S]) snapshot() []S {
	return append([]S(nil), w.samples...)
}
