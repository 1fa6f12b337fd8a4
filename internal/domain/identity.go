package domain

type IdentityKind string

const (
	KindGuest IdentityKind = "guest"
	KindUser  IdentityKind = "user"
)

// Identity is who a cart belongs to: a guest session token or a user id.
type Identity struct {
	Kind IdentityKind `json:"kind"`
	Key  string       `json:"key"`
}

func Guest(sessionID string) Identity {
	return Identity{Kind: KindGuest, Key: sessionID}
}

func User(userID string) Identity {
	return Identity{Kind: KindUser, Key: userID}
}

func (i Identity) IsZero() bool {
	return i.Key == ""
}

func (i Identity) IsGuest() bool {
	return i.Kind == KindGuest
}

// String is the identity's lock and cache key. It contains the raw key and
// must only be logged under a masked field.
func (i Identity) String() string {
	return string(i.Kind) + ":" + i.Key
}
