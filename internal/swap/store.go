package swap

// Store is the session repository. Implementations hand out deep
// copies (Session.Clone) so callers never share memory with the stored
// record, and serialize mutations to one session through Update.
//
// Put returns ErrSessionLimit once the active-session cap is reached;
// Get, Update, and Delete return ErrSessionNotFound for unknown ids.
type Store interface {
	Put(s *Session) error
	Get(id string) (*Session, error)

	// Update applies mutate to the stored record under the store's
	// lock and returns a copy of the result. If mutate errors the
	// record is left untouched.
	Update(id string, mutate func(*Session) error) (*Session, error)

	Delete(id string) error

	// IterateActive visits a copy of every non-terminal session.
	// Return false to stop early.
	IterateActive(fn func(*Session) bool) error

	// Count reports how many sessions the store currently holds,
	// terminal sessions included until they are purged.
	Count() int

	Close() error
}
