package session

import (
	"context"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/moble/remote-exec/common/utils/hashmap"
)

// Registry caches sessions by label: created on first reference, reused
// thereafter. It is an explicitly constructed object owned by whatever
// hosts the batch executor; there is no package-level registry and no
// finalizer-driven teardown. The owner calls ShutdownAll on its own
// shutdown path.
type Registry struct {
	log logger.Logger

	specs   SpecProvider
	kernels KernelProvider

	sessions *hashmap.ConcurrentMap[string, *Session]

	requestTimeout time.Duration
}

func NewRegistry(specs SpecProvider, kernels KernelProvider) *Registry {
	r := &Registry{
		specs:          specs,
		kernels:        kernels,
		sessions:       hashmap.NewConcurrentMap[*Session](4),
		requestTimeout: DefaultRequestTimeout,
	}

	config.InitLogger(&r.log, r)

	return r
}

// SetRequestTimeout sets the per-round-trip bound applied to sessions
// created after this call.
func (r *Registry) SetRequestTimeout(timeout time.Duration) {
	if timeout > 0 {
		r.requestTimeout = timeout
	}
}

// GetOrCreate returns the cached session for label, creating and
// caching one on first reference. A cached session is never replaced,
// even if its kernel has died: liveness recovery belongs to the session
// itself.
func (r *Registry) GetOrCreate(ctx context.Context, label string) (*Session, error) {
	if s, ok := r.sessions.Load(label); ok {
		return s, nil
	}

	knownSpecs, err := r.specs.ListKnownSpecNames()
	if err != nil {
		return nil, err
	}

	s, err := Create(ctx, label, knownSpecs, r.kernels)
	if err != nil {
		return nil, err
	}
	s.SetRequestTimeout(r.requestTimeout)

	if cached, loaded := r.sessions.LoadOrStore(label, s); loaded {
		// Another caller won the race; keep theirs.
		_ = s.Shutdown(ctx)
		return cached, nil
	}

	return s, nil
}

// Remove drops the cached session for label without shutting it down.
// A session that has been shut down is terminal, so its label must be
// removed before GetOrCreate can construct a replacement.
func (r *Registry) Remove(label string) (*Session, bool) {
	return r.sessions.LoadAndDelete(label)
}

// Get returns the cached session for label, if any.
func (r *Registry) Get(label string) (*Session, bool) {
	return r.sessions.Load(label)
}

// Len returns the number of cached sessions.
func (r *Registry) Len() int {
	return r.sessions.Len()
}

// ShutdownAll shuts down every cached session and empties the cache.
// Individual failures are logged and swallowed so one stuck kernel
// cannot block the rest of the teardown. Shut-down sessions are
// terminal, so dropping them lets the labels be reused afterwards.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.sessions.Range(func(label string, s *Session) bool {
		r.log.Debug("Closing session \"%s\" (kernel \"%s\").", label, s.FullName())

		if err := s.Shutdown(ctx); err != nil {
			r.log.Error("Failed to shut down session \"%s\": %v", label, err)
		}

		r.sessions.Delete(label)
		return true
	})
}
