package auth

import "context"

// Coalescer is the injected read-through cache used for role lookups.
// Concurrent Get calls for one key share a single compute; Invalidate drops
// the key after a membership write.
type Coalescer interface {
	Get(ctx context.Context, key string, compute func(context.Context) (any, error)) (any, error)
	Invalidate(key string)
}

// Resolver computes a principal's effective roles from storage, with
// membership reads going through the coalescing cache.
type Resolver struct {
	store Store
	cache Coalescer
}

func NewResolver(store Store, cache Coalescer) *Resolver {
	return &Resolver{store: store, cache: cache}
}

// ResolveClient wraps a verified machine client as a principal.
func (r *Resolver) ResolveClient(client *Client) Principal {
	return ClientOnly{Client: client}
}

// ResolveUser builds the full user-bearing principal, loading the user's
// organization memberships.
func (r *Resolver) ResolveUser(ctx context.Context, user *User, client *Client) (Principal, error) {
	memberships, err := r.memberships(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return ClientAndUser{Client: client, User: user, Memberships: memberships}, nil
}

// InvalidateUser drops cached memberships after a membership write.
func (r *Resolver) InvalidateUser(userID string) {
	if r.cache != nil {
		r.cache.Invalidate(membershipKey(userID))
	}
}

func (r *Resolver) memberships(ctx context.Context, userID string) ([]OrgMembership, error) {
	if r.cache == nil {
		return r.store.Memberships(ctx).ListByUser(ctx, userID)
	}
	v, err := r.cache.Get(ctx, membershipKey(userID), func(ctx context.Context) (any, error) {
		return r.store.Memberships(ctx).ListByUser(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	memberships, _ := v.([]OrgMembership)
	return memberships, nil
}

func membershipKey(userID string) string { return "memberships:" + userID }
