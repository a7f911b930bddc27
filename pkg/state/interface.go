package state

// Registry is the single source of truth for "who is online right now" on
// this server instance. At most one connection is held per user identity;
// Register returns the superseded entry so the caller can close its
// transport.
type Registry interface {
	Register(conn *Connection) (prev *Connection)
	Unregister(userID string)
	Get(userID string) (*Connection, bool)
	UserIDs() []string
	Len() int
}

// SessionTracker records which user pairs currently have an active direct
// message exchange. The relation is symmetric: tracking (a,b) makes b visible
// from a and a visible from b.
type SessionTracker interface {
	Track(a, b string)
	PartnersOf(userID string) []string
	HasSession(a, b string) bool
	End(a, b string)
	// Cleanup removes userID from every partner's set and drops userID's own
	// set. Invoked once at disconnect.
	Cleanup(userID string)
}
