package solver

// Progress is the number of subsets a solve has finished out of its total.
type Progress struct {
	Processed int
	Total     int
}

// ProgressSink receives progress reports. Implementations must not block.
type ProgressSink interface {
	Report(p Progress)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(p Progress)

// Report calls f.
func (f ProgressFunc) Report(p Progress) { f(p) }

// ChannelSink delivers reports on a channel, dropping them when the
// receiver is not ready.
type ChannelSink chan Progress

// Report sends p without blocking.
func (c ChannelSink) Report(p Progress) {
	select {
	case c <- p:
	default:
	}
}
