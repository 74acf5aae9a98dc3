package eventbridge

import (
	"strings"
	"sync"

	"github.com/kingrea/stageflow/internal/workflow/engine"
)

const (
	defaultSubscriberCapacity = 100
	defaultBacklogLimit       = 50
)

// AllSessions subscribes to notices from every session.
const AllSessions = "*"

// RouterOption customizes Router construction.
type RouterOption func(*Router)

// Router fans engine notices out to per-session subscribers with buffering
// and bounded channel semantics. It implements engine.EventSink.
type Router struct {
	mu           sync.RWMutex
	subscribers  map[string]map[*subscriber]struct{}
	backlog      map[string][]engine.Notice
	channelSize  int
	backlogLimit int
	logger       Logger
}

// Subscription represents an active session subscription.
type Subscription struct {
	Notices <-chan engine.Notice
	cancel  func()
}

// Close terminates the subscription.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewRouter constructs a router with sane defaults.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		subscribers:  map[string]map[*subscriber]struct{}{},
		backlog:      map[string][]engine.Notice{},
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RouterWithLogger injects a logger for drop/diagnostic messages.
func RouterWithLogger(logger Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// RouterWithSubscriberCapacity overrides the buffered channel size per subscriber.
func RouterWithSubscriberCapacity(cap int) RouterOption {
	return func(r *Router) {
		if cap > 0 {
			r.channelSize = cap
		}
	}
}

// RouterWithBacklogLimit overrides the backlog size for pre-subscription buffering.
func RouterWithBacklogLimit(limit int) RouterOption {
	return func(r *Router) {
		if limit > 0 {
			r.backlogLimit = limit
		}
	}
}

// Subscribe registers for notices of one session, or of every session when
// session is AllSessions. Notices buffered before the first subscriber of a
// session are flushed to it.
func (r *Router) Subscribe(session string) Subscription {
	key := normalizeSession(session)
	sub := newSubscriber(r.channelSize, r.logger)
	var backlog []engine.Notice
	r.mu.Lock()
	if r.subscribers[key] == nil {
		r.subscribers[key] = map[*subscriber]struct{}{}
	}
	r.subscribers[key][sub] = struct{}{}
	if existing := r.backlog[key]; len(existing) > 0 {
		backlog = append(backlog, existing...)
		delete(r.backlog, key)
	}
	r.mu.Unlock()
	for _, n := range backlog {
		sub.deliver(n)
	}
	return Subscription{
		Notices: sub.channel(),
		cancel: func() {
			r.removeSubscriber(key, sub)
		},
	}
}

// Notify satisfies engine.EventSink.
func (r *Router) Notify(n engine.Notice) {
	r.Route(n)
}

// Route delivers the notice to its session's subscribers and to wildcard
// subscribers. It is buffered when the session has no subscriber.
func (r *Router) Route(n engine.Notice) {
	key := normalizeSession(n.SessionID)
	if key == "" || key == AllSessions {
		return
	}
	r.mu.RLock()
	subs := r.snapshotSubscribers(key)
	all := r.snapshotSubscribers(AllSessions)
	r.mu.RUnlock()
	if len(subs) == 0 {
		r.bufferNotice(key, n)
	}
	for _, sub := range append(subs, all...) {
		sub.deliver(n)
	}
}

func (r *Router) snapshotSubscribers(key string) []*subscriber {
	live := r.subscribers[key]
	if len(live) == 0 {
		return nil
	}
	items := make([]*subscriber, 0, len(live))
	for sub := range live {
		items = append(items, sub)
	}
	return items
}

func (r *Router) removeSubscriber(key string, sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs := r.subscribers[key]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(r.subscribers, key)
		}
	}
	sub.close()
}

func (r *Router) bufferNotice(key string, n engine.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.backlog[key]
	if len(queue) >= r.backlogLimit {
		queue = queue[1:]
		if r.logger != nil {
			r.logger.Printf("eventbridge: backlog drop for %s (limit %d)", key, r.backlogLimit)
		}
	}
	queue = append(queue, n)
	r.backlog[key] = queue
}

func normalizeSession(session string) string {
	return strings.TrimSpace(session)
}

type subscriber struct {
	ch      chan engine.Notice
	logger  Logger
	closed  bool
	closeMu sync.Mutex
}

func newSubscriber(capacity int, logger Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{
		ch:     make(chan engine.Notice, capacity),
		logger: logger,
	}
}

func (s *subscriber) channel() <-chan engine.Notice {
	return s.ch
}

// deliver holds closeMu across the send.
func (s *subscriber) deliver(n engine.Notice) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- n:
		return
	default:
	}
	select {
	case oldest := <-s.ch:
		if shouldDropOldest(oldest, n) {
			s.logDrop(oldest, "queue overflow")
			s.ch <- n
		} else {
			s.ch <- oldest
			s.logDrop(n, "queue overflow:incoming")
		}
	default:
		s.ch <- n
	}
}

func (s *subscriber) logDrop(n engine.Notice, reason string) {
	if s.logger == nil {
		return
	}
	s.logger.Printf("eventbridge: dropped %s notice for %s (%s)", n.Operation, n.SessionID, reason)
}

func (s *subscriber) close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func shouldDropOldest(oldest, incoming engine.Notice) bool {
	oldestCritical := isCriticalNotice(oldest)
	incomingCritical := isCriticalNotice(incoming)
	switch {
	case oldestCritical && !incomingCritical:
		return false
	case !oldestCritical && incomingCritical:
		return true
	}
	oldestPreferred := isPreferredDrop(oldest)
	incomingPreferred := isPreferredDrop(incoming)
	if oldestPreferred && !incomingPreferred {
		return true
	}
	if !oldestPreferred && incomingPreferred {
		return false
	}
	return true
}

func isCriticalNotice(n engine.Notice) bool {
	return n.Action == engine.ActionTerminate || n.Action == engine.ActionComplete || n.Forced()
}

func isPreferredDrop(n engine.Notice) bool {
	return n.Outcome == engine.OutcomeWaiting || n.Outcome == engine.OutcomeUnchanged || n.Outcome == engine.OutcomeIgnored
}

var _ engine.EventSink = (*Router)(nil)
