package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mindcare/realtime-core/internal/config"
	"github.com/mindcare/realtime-core/internal/domain"
)

// IndicatorObserver is notified when an indicator appears, is superseded, or
// expires. A nil indicator means the kind was cleared.
type IndicatorObserver func(kind domain.IndicatorKind, indicator *domain.TransientIndicator)

// IndicatorStore holds the transient conversational indicators and their
// expiry timers. At most one indicator and one live timer exist per kind;
// superseding an indicator cancels the previous timer. The emotional
// awareness and AI initiative timers are independent and never reset each
// other.
type IndicatorStore struct {
	cfg config.IndicatorConfig

	mu        sync.Mutex
	active    map[domain.IndicatorKind]*domain.TransientIndicator
	timers    map[domain.IndicatorKind]*time.Timer
	gen       map[domain.IndicatorKind]uint64
	observers []IndicatorObserver
	closed    bool
}

// NewIndicatorStore creates an indicator store with the given lifetimes.
func NewIndicatorStore(cfg config.IndicatorConfig) *IndicatorStore {
	return &IndicatorStore{
		cfg:    cfg,
		active: make(map[domain.IndicatorKind]*domain.TransientIndicator),
		timers: make(map[domain.IndicatorKind]*time.Timer),
		gen:    make(map[domain.IndicatorKind]uint64),
	}
}

// Observe registers an observer for indicator changes.
func (s *IndicatorStore) Observe(o IndicatorObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Get returns the active indicator of the given kind, or nil.
func (s *IndicatorStore) Get(kind domain.IndicatorKind) *domain.TransientIndicator {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[kind]
}

// SetTyping sets or clears the typing indicator. Typing carries no expiry
// timer; the backend clears it explicitly.
func (s *IndicatorStore) SetTyping(typing bool) {
	if !typing {
		s.clear(domain.IndicatorTyping)
		return
	}
	s.set(&domain.TransientIndicator{
		Kind:   domain.IndicatorTyping,
		Typing: true,
	}, 0)
}

// SetAwareness shows the emotional awareness indicator for the configured
// lifetime.
func (s *IndicatorStore) SetAwareness(emotions []string) {
	s.set(&domain.TransientIndicator{
		Kind:      domain.IndicatorEmotionalAwareness,
		Emotions:  emotions,
		ExpiresAt: time.Now().Add(s.cfg.AwarenessTTL),
	}, s.cfg.AwarenessTTL)
}

// SetInitiative shows the AI initiative indicator for the configured
// lifetime.
func (s *IndicatorStore) SetInitiative(message string) {
	s.set(&domain.TransientIndicator{
		Kind:      domain.IndicatorAiInitiative,
		Message:   message,
		ExpiresAt: time.Now().Add(s.cfg.InitiativeTTL),
	}, s.cfg.InitiativeTTL)
}

// Close cancels all pending timers and clears all indicators. The store
// accepts no further updates.
func (s *IndicatorStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for kind, timer := range s.timers {
		timer.Stop()
		delete(s.timers, kind)
	}
	for kind := range s.active {
		delete(s.active, kind)
	}
}

func (s *IndicatorStore) set(ind *domain.TransientIndicator, ttl time.Duration) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	kind := ind.Kind
	if timer, ok := s.timers[kind]; ok {
		timer.Stop()
		delete(s.timers, kind)
	}
	s.gen[kind]++
	gen := s.gen[kind]
	s.active[kind] = ind

	if ttl > 0 {
		s.timers[kind] = time.AfterFunc(ttl, func() {
			s.expire(kind, gen)
		})
	}
	observers := s.snapshotObservers()
	s.mu.Unlock()

	for _, o := range observers {
		o(kind, ind)
	}
}

func (s *IndicatorStore) clear(kind domain.IndicatorKind) {
	s.mu.Lock()
	if timer, ok := s.timers[kind]; ok {
		timer.Stop()
		delete(s.timers, kind)
	}
	if _, ok := s.active[kind]; !ok {
		s.mu.Unlock()
		return
	}
	s.gen[kind]++
	delete(s.active, kind)
	observers := s.snapshotObservers()
	s.mu.Unlock()

	for _, o := range observers {
		o(kind, nil)
	}
}

// expire fires from a timer. The generation check discards timers whose
// indicator was superseded or cleared after the timer was armed.
func (s *IndicatorStore) expire(kind domain.IndicatorKind, gen uint64) {
	s.mu.Lock()
	if s.closed || s.gen[kind] != gen {
		s.mu.Unlock()
		return
	}
	delete(s.active, kind)
	delete(s.timers, kind)
	observers := s.snapshotObservers()
	s.mu.Unlock()

	slog.Debug("Transient indicator expired", "kind", string(kind))
	for _, o := range observers {
		o(kind, nil)
	}
}

func (s *IndicatorStore) snapshotObservers() []IndicatorObserver {
	observers := make([]IndicatorObserver, len(s.observers))
	copy(observers, s.observers)
	return observers
}
