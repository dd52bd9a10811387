package pool

import "time"

// failureWindow is a sliding time window of failure timestamps, used
// only to answer "may this worker be respawned". Stale entries are
// discarded lazily on each new failure.
type failureWindow struct {
	window time.Duration
	max    int
	stamps []time.Time
}

// record appends a failure at now and reports whether a respawn is
// still allowed. Once the window holds max or more entries the answer
// is false until enough entries age out.
func (w *failureWindow) record(now time.Time) bool {
	kept := w.stamps[:0]
	for _, t := range w.stamps {
		if now.Sub(t) < w.window {
			kept = append(kept, t)
		}
	}
	w.stamps = append(kept, now)
	return len(w.stamps) < w.max
}

func (w *failureWindow) reset() {
	w.stamps = w.stamps[:0]
}
