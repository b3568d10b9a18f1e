package dogpile

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	uuid "github.com/satori/go.uuid"
)

// InvalidationMode distinguishes the two invalidation semantics of spec §4.D.
type InvalidationMode int

const (
	// ModeHard: any value with ct < barrier is treated as a miss, forcing
	// the cold-miss regeneration path.
	ModeHard InvalidationMode = iota
	// ModeSoft: a value with ct < barrier is still returned, but the region
	// behaves as if it were expired -- it tries to regenerate while
	// non-acquiring readers keep receiving the stale value.
	ModeSoft
)

// InvalidationStrategy is the region-level timestamp barrier interface. Any
// implementation satisfying this may be injected at Configure time; the
// default is in-memory and scoped to a single region instance (spec §1:
// cross-process invalidation is a Non-goal of the default strategy only).
type InvalidationStrategy interface {
	Invalidate(hard bool)
	IsInvalidated(ct float64) bool
	IsHardInvalidated(ct float64) bool
	IsSoftInvalidated(ct float64) bool
	WasHardInvalidated() bool
	WasSoftInvalidated() bool
}

// defaultInvalidationStrategy holds barrierTime/mode in memory on the region
// instance, as spec §3/§4.D describe.
type defaultInvalidationStrategy struct {
	mu          sync.Mutex
	barrierTime float64 // meaningful only when hasBarrier is true
	hasBarrier  bool
	mode        InvalidationMode
	now         func() time.Time
}

func newDefaultInvalidationStrategy(now func() time.Time) *defaultInvalidationStrategy {
	return &defaultInvalidationStrategy{now: now}
}

func (s *defaultInvalidationStrategy) Invalidate(hard bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.barrierTime = unixSeconds(s.now())
	s.hasBarrier = true
	if hard {
		s.mode = ModeHard
	} else {
		s.mode = ModeSoft
	}
}

func (s *defaultInvalidationStrategy) snapshot() (float64, bool, InvalidationMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.barrierTime, s.hasBarrier, s.mode
}

func (s *defaultInvalidationStrategy) IsInvalidated(ct float64) bool {
	barrier, has, _ := s.snapshot()
	return has && ct < barrier
}

func (s *defaultInvalidationStrategy) IsHardInvalidated(ct float64) bool {
	barrier, has, mode := s.snapshot()
	return has && mode == ModeHard && ct < barrier
}

func (s *defaultInvalidationStrategy) IsSoftInvalidated(ct float64) bool {
	barrier, has, mode := s.snapshot()
	return has && mode == ModeSoft && ct < barrier
}

func (s *defaultInvalidationStrategy) WasHardInvalidated() bool {
	_, has, mode := s.snapshot()
	return has && mode == ModeHard
}

func (s *defaultInvalidationStrategy) WasSoftInvalidated() bool {
	_, has, mode := s.snapshot()
	return has && mode == ModeSoft
}

// --- cross-process invalidation, grounded on the teacher's pubsub machinery ---

const (
	invalidationTopic  = "dogpile:invalidate"
	invalidationDelim  = "~|~"
	aggregateInterval  = time.Second
	invalidationBuffer = 8
)

// RedisPubSubInvalidationStrategy broadcasts barrier updates over a Redis
// pubsub channel so every region instance watching the same channel
// observes the same invalidation barrier -- the custom, cross-process
// strategy spec §1/§4.D explicitly leaves room for. Grounded on the
// teacher's id/broadcastKeyInvalidate/aggregateSend/listenKeyInvalidate
// fields and goroutines, repurposed from "invalidate one key" to
// "broadcast a barrier timestamp + mode".
type RedisPubSubInvalidationStrategy struct {
	local *defaultInvalidationStrategy

	conn   *redis.Client
	pubsub *redis.PubSub
	id     string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	pending chan struct{}
}

// NewRedisPubSubInvalidationStrategy subscribes to the shared invalidation
// channel and starts the background broadcast/listen goroutines. Close must
// be called to release them.
func NewRedisPubSubInvalidationStrategy(conn *redis.Client, now func() time.Time) *RedisPubSubInvalidationStrategy {
	ctx, cancel := context.WithCancel(context.Background())
	s := &RedisPubSubInvalidationStrategy{
		local:   newDefaultInvalidationStrategy(now),
		conn:    conn,
		id:      uuid.NewV4().String(),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(chan struct{}, invalidationBuffer),
	}
	s.pubsub = conn.Subscribe(ctx, invalidationTopic)
	s.wg.Add(2)
	go s.aggregateSend()
	go s.listen()
	return s
}

func (s *RedisPubSubInvalidationStrategy) Invalidate(hard bool) {
	s.local.Invalidate(hard)
	select {
	case s.pending <- struct{}{}:
	default:
		// A broadcast is already queued; the next tick will pick up the
		// latest barrier anyway.
	}
}

func (s *RedisPubSubInvalidationStrategy) IsInvalidated(ct float64) bool {
	return s.local.IsInvalidated(ct)
}

func (s *RedisPubSubInvalidationStrategy) IsHardInvalidated(ct float64) bool {
	return s.local.IsHardInvalidated(ct)
}

func (s *RedisPubSubInvalidationStrategy) IsSoftInvalidated(ct float64) bool {
	return s.local.IsSoftInvalidated(ct)
}

func (s *RedisPubSubInvalidationStrategy) WasHardInvalidated() bool {
	return s.local.WasHardInvalidated()
}

func (s *RedisPubSubInvalidationStrategy) WasSoftInvalidated() bool {
	return s.local.WasSoftInvalidated()
}

// aggregateSend mirrors the teacher's aggregateSend: wait for a pending
// invalidation or a tick, then publish the current barrier once.
func (s *RedisPubSubInvalidationStrategy) aggregateSend() {
	defer s.wg.Done()
	ticker := time.NewTicker(aggregateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-s.pending:
		case <-s.ctx.Done():
			return
		}
		barrier, has, mode := s.local.snapshot()
		if !has {
			continue
		}
		hard := 0
		if mode == ModeHard {
			hard = 1
		}
		msg := fmt.Sprintf("%s%s%s%s%d",
			s.id, invalidationDelim,
			strconv.FormatFloat(barrier, 'f', -1, 64),
			invalidationDelim, hard)
		s.conn.Publish(s.ctx, invalidationTopic, msg)
	}
}

// listen mirrors the teacher's listenKeyInvalidate: ignore our own
// broadcasts, apply everyone else's barrier locally.
func (s *RedisPubSubInvalidationStrategy) listen() {
	defer s.wg.Done()
	ch := s.pubsub.Channel()
	for {
		msg, ok := <-ch
		if !ok {
			return
		}
		parts := strings.Split(msg.Payload, invalidationDelim)
		if len(parts) != 3 {
			log.Warn().Msgf("dogpile: malformed invalidation payload %q", msg.Payload)
			continue
		}
		if parts[0] == s.id {
			continue
		}
		barrier, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			log.Warn().Msgf("dogpile: malformed invalidation barrier %q", parts[1])
			continue
		}
		hard := parts[2] == "1"

		s.local.mu.Lock()
		s.local.barrierTime = barrier
		s.local.hasBarrier = true
		if hard {
			s.local.mode = ModeHard
		} else {
			s.local.mode = ModeSoft
		}
		s.local.mu.Unlock()
	}
}

// Close unsubscribes and stops the background goroutines.
func (s *RedisPubSubInvalidationStrategy) Close() error {
	err := s.pubsub.Unsubscribe(s.ctx)
	closeErr := s.pubsub.Close()
	s.cancel()
	s.wg.Wait()
	if err != nil {
		return err
	}
	return closeErr
}
