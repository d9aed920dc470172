package websocket

import "time"

// RecordExternalPush notes that a download was just pushed outside the
// reconcile loop, so the loop can hold back its own copy.
func (h *Hub) RecordExternalPush(downloadID string) {
	h.pushMu.Lock()
	h.pushes[downloadID] = h.now()
	h.pushMu.Unlock()
}

// RecentlyPushed reports whether downloadID was pushed externally within window.
// Stale entries are forgotten on lookup.
func (h *Hub) RecentlyPushed(downloadID string, window time.Duration) bool {
	h.pushMu.Lock()
	defer h.pushMu.Unlock()

	at, ok := h.pushes[downloadID]
	switch {
	case !ok:
		return false
	case h.now().Sub(at) <= window:
		return true
	default:
		delete(h.pushes, downloadID)
		return false
	}
}
