// Package registry keeps the tables of installed handlers, watchers, and
// setlocal values for one connection.
//
// The registry is the authoritative record of engine-side state: after every
// reconnect its snapshot is replayed to the engine — setlocals first, then
// installs, then watches — before any parked application traffic flushes.
//
// Entries are keyed by (name, filterName, filterValue); registering the same
// key again replaces the handler (latest wins). Priority is per name: a
// registration that changes a name's priority forces an engine-side
// uninstall/install round trip, which the request layer performs.
package registry

import (
	"regexp"
	"sync"

	"github.com/0LEG0/next-yate/errors"
	"github.com/0LEG0/next-yate/message"
)

// HandlerEntry is one installed handler row.
type HandlerEntry struct {
	Name        string
	Priority    int
	FilterName  string
	FilterValue string
	Handler     Handler

	filter *regexp.Regexp
}

// Matches reports whether the entry's filter accepts the message. Entries
// without a filter accept every message of their name; filtered entries
// require the named parameter to be present and match the expression.
func (e *HandlerEntry) Matches(m *message.Message) bool {
	if e.FilterName == "" {
		return true
	}
	v, ok := m.Params[e.FilterName]
	return ok && e.filter.MatchString(v)
}

// WatchEntry is one watcher row; same key rules as handlers, no priority.
type WatchEntry struct {
	Name        string
	FilterName  string
	FilterValue string
	Watch       WatchFunc

	filter *regexp.Regexp
}

// Matches reports whether the entry's filter accepts the notification.
func (e *WatchEntry) Matches(m *message.Message) bool {
	if e.FilterName == "" {
		return true
	}
	v, ok := m.Params[e.FilterName]
	return ok && e.filter.MatchString(v)
}

// SetlocalEntry is one stored engine setting, re-pushed after reconnect.
type SetlocalEntry struct {
	Name  string
	Value string
}

// InstallSpec describes one engine-visible subscription for replay.
type InstallSpec struct {
	Priority    int
	Name        string
	FilterName  string
	FilterValue string
}

// Replay is an ordered snapshot of engine-visible state.
type Replay struct {
	Setlocals []SetlocalEntry
	Installs  []InstallSpec
	Watches   []string
}

// Registry holds the handler, watcher, and setlocal tables. All methods are
// safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	handlers   []*HandlerEntry
	watchers   []*WatchEntry
	setlocals  []SetlocalEntry
	priorities map[string]int // per-name handler priority
	nameOrder  []string       // handler names in first-registration order
	watchOrder []string       // watcher names in first-registration order
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		priorities: make(map[string]int),
	}
}

// AddHandler registers or replaces a handler for (name, filterName,
// filterValue). It reports whether the engine must be told about the name at
// all (first registration) and whether the name's priority changed, which
// requires an engine-side uninstall/install round trip.
func (r *Registry) AddHandler(name string, priority int, filterName, filterValue string, h Handler) (installNeeded, priorityChanged bool, err error) {
	if name == "" || h == nil {
		return false, false, errors.WrapInvalid(errors.ErrInvalidArgument, "Registry", "AddHandler", "name and handler are required")
	}
	if priority < 0 || priority > 100 {
		return false, false, errors.WrapInvalid(errors.ErrInvalidArgument, "Registry", "AddHandler", "priority out of range")
	}
	var filter *regexp.Regexp
	if filterName != "" {
		filter, err = regexp.Compile(filterValue)
		if err != nil {
			return false, false, errors.WrapInvalid(err, "Registry", "AddHandler", "compile filter")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, known := r.priorities[name]
	installNeeded = !known
	priorityChanged = known && prev != priority

	entry := &HandlerEntry{
		Name:        name,
		Priority:    priority,
		FilterName:  filterName,
		FilterValue: filterValue,
		Handler:     h,
		filter:      filter,
	}

	replaced := false
	for i, e := range r.handlers {
		if e.Name == name && e.FilterName == filterName && e.FilterValue == filterValue {
			r.handlers[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		r.handlers = append(r.handlers, entry)
	}
	if !known {
		r.nameOrder = append(r.nameOrder, name)
	}

	// Priority is a per-name property; the latest registration wins for
	// every entry of the name.
	r.priorities[name] = priority
	for _, e := range r.handlers {
		if e.Name == name {
			e.Priority = priority
		}
	}
	return installNeeded, priorityChanged, nil
}

// RemoveHandlers removes handler entries for name. An empty filterName
// removes every entry of the name; otherwise only the exact
// (name, filterName, filterValue) row goes. It returns how many entries were
// removed and how many remain for the name.
func (r *Registry) RemoveHandlers(name, filterName, filterValue string) (removed, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.handlers[:0]
	for _, e := range r.handlers {
		match := e.Name == name &&
			(filterName == "" || (e.FilterName == filterName && e.FilterValue == filterValue))
		if match {
			removed++
			continue
		}
		kept = append(kept, e)
		if e.Name == name {
			remaining++
		}
	}
	r.handlers = kept
	if remaining == 0 && removed > 0 {
		r.forgetHandlerName(name)
	}
	return removed, remaining
}

func (r *Registry) forgetHandlerName(name string) {
	delete(r.priorities, name)
	for i, n := range r.nameOrder {
		if n == name {
			r.nameOrder = append(r.nameOrder[:i], r.nameOrder[i+1:]...)
			break
		}
	}
}

// RollbackHandler removes the exact (name, filterName, filterValue) row,
// including the unfiltered one when filterName is empty. The request layer
// uses it to undo an optimistic registration the engine refused.
func (r *Registry) RollbackHandler(name, filterName, filterValue string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.handlers[:0]
	remaining := 0
	for _, e := range r.handlers {
		if e.Name == name && e.FilterName == filterName && e.FilterValue == filterValue {
			continue
		}
		kept = append(kept, e)
		if e.Name == name {
			remaining++
		}
	}
	r.handlers = kept
	if remaining == 0 {
		r.forgetHandlerName(name)
	}
}

// RollbackWatcher removes the exact (name, filterName, filterValue) watcher
// row.
func (r *Registry) RollbackWatcher(name, filterName, filterValue string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.watchers[:0]
	remaining := 0
	for _, e := range r.watchers {
		if e.Name == name && e.FilterName == filterName && e.FilterValue == filterValue {
			continue
		}
		kept = append(kept, e)
		if e.Name == name {
			remaining++
		}
	}
	r.watchers = kept
	if remaining == 0 {
		for i, n := range r.watchOrder {
			if n == name {
				r.watchOrder = append(r.watchOrder[:i], r.watchOrder[i+1:]...)
				break
			}
		}
	}
}

// HandlersFor returns the handler entries whose name and filter accept m, in
// registration order.
func (r *Registry) HandlersFor(m *message.Message) []*HandlerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*HandlerEntry
	for _, e := range r.handlers {
		if e.Name == m.Name && e.Matches(m) {
			out = append(out, e)
		}
	}
	return out
}

// HandlerCount returns the number of entries registered for name.
func (r *Registry) HandlerCount(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.handlers {
		if e.Name == name {
			n++
		}
	}
	return n
}

// Priority returns the per-name handler priority.
func (r *Registry) Priority(name string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.priorities[name]
	return p, ok
}

// AddWatcher registers or replaces a watcher for (name, filterName,
// filterValue). It reports whether the engine must be told about the name
// (first watcher of this name).
func (r *Registry) AddWatcher(name, filterName, filterValue string, w WatchFunc) (watchNeeded bool, err error) {
	if name == "" || w == nil {
		return false, errors.WrapInvalid(errors.ErrInvalidArgument, "Registry", "AddWatcher", "name and watcher are required")
	}
	var filter *regexp.Regexp
	if filterName != "" {
		filter, err = regexp.Compile(filterValue)
		if err != nil {
			return false, errors.WrapInvalid(err, "Registry", "AddWatcher", "compile filter")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	known := false
	for _, e := range r.watchers {
		if e.Name == name {
			known = true
			break
		}
	}

	entry := &WatchEntry{
		Name:        name,
		FilterName:  filterName,
		FilterValue: filterValue,
		Watch:       w,
		filter:      filter,
	}
	replaced := false
	for i, e := range r.watchers {
		if e.Name == name && e.FilterName == filterName && e.FilterValue == filterValue {
			r.watchers[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		r.watchers = append(r.watchers, entry)
	}
	if !known {
		r.watchOrder = append(r.watchOrder, name)
	}
	return !known, nil
}

// RemoveWatchers removes watcher entries for name with the same matching
// rules as RemoveHandlers.
func (r *Registry) RemoveWatchers(name, filterName, filterValue string) (removed, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.watchers[:0]
	for _, e := range r.watchers {
		match := e.Name == name &&
			(filterName == "" || (e.FilterName == filterName && e.FilterValue == filterValue))
		if match {
			removed++
			continue
		}
		kept = append(kept, e)
		if e.Name == name {
			remaining++
		}
	}
	r.watchers = kept
	if remaining == 0 && removed > 0 {
		for i, n := range r.watchOrder {
			if n == name {
				r.watchOrder = append(r.watchOrder[:i], r.watchOrder[i+1:]...)
				break
			}
		}
	}
	return removed, remaining
}

// WatchersFor returns the watcher entries whose name and filter accept m.
func (r *Registry) WatchersFor(m *message.Message) []*WatchEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*WatchEntry
	for _, e := range r.watchers {
		if e.Name == m.Name && e.Matches(m) {
			out = append(out, e)
		}
	}
	return out
}

// WatcherCount returns the number of entries watching name.
func (r *Registry) WatcherCount(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.watchers {
		if e.Name == name {
			n++
		}
	}
	return n
}

// RemoveByFilter removes every handler and watcher entry carrying exactly
// the (filterName, filterValue) pair. Channels use this on hangup to shed
// their per-call subscriptions.
func (r *Registry) RemoveByFilter(filterName, filterValue string) (removed int) {
	if filterName == "" {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	keptH := r.handlers[:0]
	for _, e := range r.handlers {
		if e.FilterName == filterName && e.FilterValue == filterValue {
			removed++
			continue
		}
		keptH = append(keptH, e)
	}
	r.handlers = keptH

	keptW := r.watchers[:0]
	for _, e := range r.watchers {
		if e.FilterName == filterName && e.FilterValue == filterValue {
			removed++
			continue
		}
		keptW = append(keptW, e)
	}
	r.watchers = keptW

	// Drop bookkeeping for names that lost their last entry.
	for _, name := range append([]string(nil), r.nameOrder...) {
		live := false
		for _, e := range r.handlers {
			if e.Name == name {
				live = true
				break
			}
		}
		if !live {
			r.forgetHandlerName(name)
		}
	}
	for i := 0; i < len(r.watchOrder); {
		live := false
		for _, e := range r.watchers {
			if e.Name == r.watchOrder[i] {
				live = true
				break
			}
		}
		if !live {
			r.watchOrder = append(r.watchOrder[:i], r.watchOrder[i+1:]...)
			continue
		}
		i++
	}
	return removed
}

// SetLocal stores or updates a setting so reconnect replays it.
func (r *Registry) SetLocal(name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.setlocals {
		if e.Name == name {
			r.setlocals[i].Value = value
			return
		}
	}
	r.setlocals = append(r.setlocals, SetlocalEntry{Name: name, Value: value})
}

// Setlocals returns the stored settings in registration order.
func (r *Registry) Setlocals() []SetlocalEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]SetlocalEntry(nil), r.setlocals...)
}

// Snapshot returns the engine-visible state for replay after reconnect:
// setlocals, then one install per handler name, then one watch per watcher
// name, each in first-registration order. The filter pair is included on an
// install only when the name has a single filtered entry; with several
// differently-filtered entries the engine subscription stays unfiltered and
// local matching narrows delivery.
func (r *Registry) Snapshot() Replay {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rep := Replay{
		Setlocals: append([]SetlocalEntry(nil), r.setlocals...),
	}
	for _, name := range r.nameOrder {
		spec := InstallSpec{Name: name, Priority: r.priorities[name]}
		var entries []*HandlerEntry
		for _, e := range r.handlers {
			if e.Name == name {
				entries = append(entries, e)
			}
		}
		if len(entries) == 1 && entries[0].FilterName != "" {
			spec.FilterName = entries[0].FilterName
			spec.FilterValue = entries[0].FilterValue
		}
		rep.Installs = append(rep.Installs, spec)
	}
	rep.Watches = append([]string(nil), r.watchOrder...)
	return rep
}
