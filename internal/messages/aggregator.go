package messages

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/marketfeed/marketfeed/internal/app/metrics"
	"github.com/marketfeed/marketfeed/internal/errors"
	"github.com/marketfeed/marketfeed/pkg/logger"
)

// Aggregator builds thread views for one user at a time on top of a Backend.
// Every load re-fetches and re-groups the full message set.
type Aggregator struct {
	backend  Backend
	profiles *ProfileCache
	limiter  *rate.Limiter
	log      *logger.Logger

	seq atomic.Uint64

	mu       sync.Mutex
	current  *View
	watchers map[int]chan struct{}
	nextID   int

	resolving sync.WaitGroup
}

// Option customises an Aggregator.
type Option func(*Aggregator)

// WithProfileCache replaces the default in-memory profile cache.
func WithProfileCache(cache *ProfileCache) Option {
	return func(a *Aggregator) { a.profiles = cache }
}

// WithSendLimit throttles outgoing messages. Sends wait for a token.
func WithSendLimit(perSecond float64, burst int) Option {
	return func(a *Aggregator) {
		if perSecond > 0 && burst > 0 {
			a.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(a *Aggregator) { a.log = log }
}

// NewAggregator creates an Aggregator over backend.
func NewAggregator(backend Backend, opts ...Option) *Aggregator {
	a := &Aggregator{
		backend:  backend,
		log:      logger.NewDefault("messages"),
		watchers: make(map[int]chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.profiles == nil {
		a.profiles = NewProfileCache(backend, WithCacheLogger(a.log.Named("profile-cache")))
	}
	return a
}

// Profiles exposes the profile cache.
func (a *Aggregator) Profiles() *ProfileCache { return a.profiles }

// Current returns the latest published view, or nil before the first load.
func (a *Aggregator) Current() *View {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// LoadThreads fetches every message involving userID and groups them by
// counterparty. The user's own profile is re-read before returning; a user
// without a profile row simply has no entry in Profiles. Counterparty
// profiles already remembered are attached straight away and re-read in the
// background with the rest; changes are merged into the current view as
// they arrive.
//
// Each call takes a sequence number. If a later call has already published
// by the time this one finishes, the result is dropped and the newer view is
// returned instead.
func (a *Aggregator) LoadThreads(ctx context.Context, userID string) (*View, error) {
	const op = "load threads"

	if strings.TrimSpace(userID) == "" {
		return nil, errors.Validation(op, fmt.Errorf("user id is required"))
	}

	seq := a.seq.Add(1)
	start := time.Now()
	log := a.log.WithContext(ctx).WithField("user_id", userID).WithField("seq", seq)

	msgs, err := a.backend.FetchMessages(ctx, userID)
	if err != nil {
		metrics.RecordLoad("error", time.Since(start))
		return nil, errors.Fetch(op, err)
	}

	view := &View{
		Seq:      seq,
		UserID:   userID,
		Threads:  Group(msgs, userID),
		Profiles: make(map[string]Profile),
	}

	own := <-a.profiles.Get(ctx, userID)
	switch {
	case own.Err == nil:
		view.Profiles[userID] = own.Profile
	case errors.Is(own.Err, errors.ErrProfileNotFound):
		log.Debug("current user has no profile")
	default:
		metrics.RecordLoad("error", time.Since(start))
		return nil, errors.Fetch("load own profile", own.Err)
	}

	var pending []string
	for id, t := range view.Threads {
		if p, ok := a.profiles.Peek(id); ok {
			view.Profiles[id] = p
			prof := p
			t.Profile = &prof
			view.Threads[id] = t
		}
		if id != userID && !a.profiles.Fresh(id) {
			pending = append(pending, id)
		}
	}

	published, stale := a.publish(view)
	if stale {
		metrics.RecordStaleLoad()
		log.WithField("current_seq", published.Seq).Debug("discarding stale thread load")
		return published, nil
	}
	metrics.RecordLoad("ok", time.Since(start))
	log.WithField("threads", len(view.Threads)).WithField("messages", len(msgs)).Debug("threads loaded")

	if batcher, ok := a.backend.(ProfileBatcher); ok && len(pending) > 1 {
		a.resolveBatch(ctx, batcher, pending)
	} else {
		for _, id := range pending {
			a.resolveProfile(ctx, id)
		}
	}
	return published, nil
}

// resolveBatch looks pending ids up in one call, falling back to per-id
// lookups when the batch fails.
func (a *Aggregator) resolveBatch(ctx context.Context, batcher ProfileBatcher, pending []string) {
	ctx = context.WithoutCancel(ctx)
	a.resolving.Add(1)
	go func() {
		defer a.resolving.Done()

		found, err := batcher.FetchProfiles(ctx, pending)
		if err != nil {
			a.log.WithContext(ctx).WithError(err).Warn("batch profile lookup failed; resolving one by one")
			for _, id := range pending {
				a.resolveProfile(ctx, id)
			}
			return
		}

		byID := make(map[string]Profile, len(found))
		for _, p := range found {
			byID[p.ID] = p
		}
		for _, id := range pending {
			p, ok := byID[id]
			if !ok {
				a.profiles.Forget(id)
				err := errors.ProfileResolution(id, errors.ErrProfileNotFound)
				a.log.WithContext(ctx).WithError(err).Warn("counterparty profile unresolved; retrying on next refresh")
				continue
			}
			a.profiles.Put(p)
			a.mergeProfile(p)
		}
	}()
}

func (a *Aggregator) resolveProfile(ctx context.Context, userID string) {
	future := a.profiles.Get(context.WithoutCancel(ctx), userID)
	a.resolving.Add(1)
	go func() {
		defer a.resolving.Done()
		res := <-future
		if res.Err != nil {
			err := errors.ProfileResolution(userID, res.Err)
			a.log.WithContext(ctx).WithError(err).Warn("counterparty profile unresolved; retrying on next refresh")
			return
		}
		a.mergeProfile(res.Profile)
	}()
}

// WaitProfiles blocks until background profile resolutions started so far
// have been merged or abandoned.
func (a *Aggregator) WaitProfiles() {
	a.resolving.Wait()
}

// publish installs view unless a newer view for the same user is already
// current. It returns the view that is current afterwards.
func (a *Aggregator) publish(view *View) (current *View, stale bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cur := a.current; cur != nil && cur.UserID == view.UserID && cur.Seq > view.Seq {
		return cur, true
	}
	a.current = view
	a.notifyLocked()
	return view, false
}

func (a *Aggregator) mergeProfile(p Profile) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur := a.current
	if cur == nil {
		return
	}
	if _, ok := cur.Threads[p.ID]; !ok {
		return
	}
	if existing, ok := cur.Profiles[p.ID]; ok && existing == p {
		return
	}
	a.current = cur.withProfile(p)
	a.notifyLocked()
}

func (a *Aggregator) notifyLocked() {
	for _, ch := range a.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Watch returns a channel signalled after every published view. Signals
// coalesce; read Current for the latest view. Call cancel to stop.
func (a *Aggregator) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.watchers[id] = ch
	a.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.watchers, id)
			a.mu.Unlock()
		})
	}
}

// SendMessage inserts one message from the authenticated user to
// receiverID. It does not touch the current view; the change feed or the
// next load picks the message up.
func (a *Aggregator) SendMessage(ctx context.Context, currentUserID, receiverID, content string) error {
	return a.send(ctx, "send message", currentUserID, Draft{
		ReceiverID: receiverID,
		Content:    content,
	})
}

// SendOffer sends the formatted offer text to the seller, tagged with the
// listing.
func (a *Aggregator) SendOffer(ctx context.Context, currentUserID string, offer Offer) error {
	const op = "send offer"
	if offer.Amount <= 0 {
		return errors.Validation(op, fmt.Errorf("offer amount must be positive"))
	}
	if strings.TrimSpace(offer.ListingID) == "" {
		return errors.Validation(op, fmt.Errorf("listing id is required"))
	}
	return a.send(ctx, op, currentUserID, Draft{
		ReceiverID: offer.SellerID,
		Content:    OfferMessage(offer.Amount, offer.Title, offer.Note),
		ListingID:  offer.ListingID,
	})
}

func (a *Aggregator) send(ctx context.Context, op, currentUserID string, draft Draft) error {
	draft.Content = strings.TrimSpace(draft.Content)
	if draft.Content == "" {
		metrics.RecordSend("invalid")
		return errors.Validation(op, errors.ErrEmptyContent)
	}
	if strings.TrimSpace(draft.ReceiverID) == "" {
		metrics.RecordSend("invalid")
		return errors.Validation(op, fmt.Errorf("receiver id is required"))
	}

	senderID, err := a.backend.CurrentUser(ctx)
	if err != nil {
		metrics.RecordSend("unauthenticated")
		return errors.Auth(op, err)
	}
	if senderID == "" {
		metrics.RecordSend("unauthenticated")
		return errors.Auth(op, nil)
	}
	if currentUserID != "" && currentUserID != senderID {
		metrics.RecordSend("unauthenticated")
		return errors.Auth(op, fmt.Errorf("session belongs to %s, not %s", senderID, currentUserID))
	}

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			metrics.RecordSend("throttled")
			return errors.Write(op, fmt.Errorf("rate limit: %w", err))
		}
	}

	draft.SenderID = senderID
	if err := a.backend.InsertMessage(ctx, draft); err != nil {
		metrics.RecordSend("error")
		return errors.Write(op, err)
	}
	metrics.RecordSend("ok")
	a.log.WithContext(ctx).WithField("receiver_id", draft.ReceiverID).Debug("message sent")
	return nil
}

// Subscribe registers onChange for every insert, update or delete of a
// message involving userID. The returned unsubscribe is idempotent; once it
// returns, onChange is not running and will not be called again. onChange
// must not call unsubscribe itself.
func (a *Aggregator) Subscribe(ctx context.Context, userID string, onChange func()) (func(), error) {
	const op = "subscribe"
	if strings.TrimSpace(userID) == "" {
		return nil, errors.Validation(op, fmt.Errorf("user id is required"))
	}

	guard := &changeGuard{onChange: onChange}
	sub, err := a.backend.SubscribeMessages(ctx, userID, guard.fire)
	if err != nil {
		return nil, errors.Fetch(op, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			guard.close()
			if err := sub.Close(); err != nil {
				a.log.WithError(err).WithField("user_id", userID).Warn("closing message subscription")
			}
		})
	}, nil
}

// changeGuard serialises notifications against unsubscribe.
type changeGuard struct {
	mu       sync.RWMutex
	closed   bool
	onChange func()
}

func (g *changeGuard) fire() {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return
	}
	metrics.RecordNotification()
	g.onChange()
}

func (g *changeGuard) close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
}
