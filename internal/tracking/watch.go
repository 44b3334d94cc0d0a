package tracking

import (
	"sort"

	"fieldops-patrol/internal/protocol"
)

type watchOp struct {
	target string
	watch  bool
	userID string
	zone   protocol.ZoneWatch
}

// watchSet is the acknowledged watch state. Requests are recorded by
// correlation ref; an ack only applies when its ref is still the latest request
// for the same target, so an overlapping watch/unwatch pair resolves to
// whichever was sent last.
type watchSet struct {
	users   map[string]struct{}
	zones   map[string]protocol.ZoneWatch
	pending map[string]watchOp
	latest  map[string]string
}

func newWatchSet() *watchSet {
	return &watchSet{
		users:   map[string]struct{}{},
		zones:   map[string]protocol.ZoneWatch{},
		pending: map[string]watchOp{},
		latest:  map[string]string{},
	}
}

func userTarget(id string) string { return "user:" + id }

func zoneTarget(z protocol.ZoneWatch) string { return "zone:" + z.Key() }

func (w *watchSet) request(ref string, op watchOp) {
	w.pending[ref] = op
	w.latest[op.target] = ref
}

// cancel forgets a request that never reached the server.
func (w *watchSet) cancel(ref string) {
	op, ok := w.pending[ref]
	if !ok {
		return
	}
	delete(w.pending, ref)
	if w.latest[op.target] == ref {
		delete(w.latest, op.target)
	}
}

// ack applies the acknowledged request and reports whether state changed.
func (w *watchSet) ack(ref string, ok bool) bool {
	op, found := w.pending[ref]
	if !found {
		return false
	}
	delete(w.pending, ref)
	if w.latest[op.target] != ref {
		return false
	}
	delete(w.latest, op.target)
	if !ok {
		return false
	}

	switch {
	case op.userID != "" && op.watch:
		w.users[op.userID] = struct{}{}
	case op.userID != "":
		delete(w.users, op.userID)
	case op.watch:
		w.zones[op.zone.Key()] = op.zone
	default:
		delete(w.zones, op.zone.Key())
	}
	return true
}

// dropPending forgets every in-flight request; their acks died with the channel.
func (w *watchSet) dropPending() {
	w.pending = map[string]watchOp{}
	w.latest = map[string]string{}
}

func (w *watchSet) userList() []string {
	out := make([]string, 0, len(w.users))
	for id := range w.users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (w *watchSet) zoneList() []protocol.ZoneWatch {
	keys := make([]string, 0, len(w.zones))
	for k := range w.zones {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]protocol.ZoneWatch, 0, len(keys))
	for _, k := range keys {
		out = append(out, w.zones[k])
	}
	return out
}
