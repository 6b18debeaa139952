package messages

import "context"

// MessageStore reads and writes the messages relation.
type MessageStore interface {
	// FetchMessages returns every message sent or received by userID,
	// ordered by created_at ascending.
	FetchMessages(ctx context.Context, userID string) ([]Message, error)
	InsertMessage(ctx context.Context, draft Draft) error
}

// ProfileSource looks up profiles by id.
type ProfileSource interface {
	FetchProfile(ctx context.Context, userID string) (Profile, error)
}

// ProfileBatcher is implemented by sources that can look up many profiles
// in one call. Ids without a profile are simply absent from the result.
type ProfileBatcher interface {
	FetchProfiles(ctx context.Context, ids []string) ([]Profile, error)
}

// Authenticator reports the user owning the current session. It returns an
// error wrapping errors.ErrNotAuthenticated when there is none.
type Authenticator interface {
	CurrentUser(ctx context.Context) (string, error)
}

// Subscription is a live change feed registration.
type Subscription interface {
	Close() error
}

// ChangeFeed delivers change notifications for messages involving a user.
// notify carries no payload; consumers re-query.
type ChangeFeed interface {
	SubscribeMessages(ctx context.Context, userID string, notify func()) (Subscription, error)
}

// Backend is everything the aggregator needs from the hosted backend.
type Backend interface {
	MessageStore
	ProfileSource
	Authenticator
	ChangeFeed
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func() error

// Close calls f.
func (f SubscriptionFunc) Close() error { return f() }
