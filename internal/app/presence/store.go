package presence

// Store holds the presence record of every logged-in user.
//
// Like the pairing tables it is confined to the Hub goroutine and needs
// no locking of its own.
type Store struct {
	users map[string]*User
}

// NewStore returns an empty presence store.
func NewStore() *Store {
	return &Store{users: make(map[string]*User)}
}

// Upsert creates or replaces the record for id. Called on login; a repeat
// login simply refreshes name and coordinates.
func (s *Store) Upsert(id, name string, lat, lon float64) {
	s.users[id] = &User{ID: id, Name: name, Lat: lat, Lon: lon}
}

// SetLocation updates the coordinates of id in place. It reports false
// for ids with no record, which callers treat as a benign no-op.
func (s *Store) SetLocation(id string, lat, lon float64) bool {
	u, ok := s.users[id]
	if !ok {
		return false
	}
	u.Lat = lat
	u.Lon = lon
	return true
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (User, bool) {
	u, ok := s.users[id]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// Remove deletes the record for id. Unknown ids are ignored.
func (s *Store) Remove(id string) {
	delete(s.users, id)
}

// Len returns the number of logged-in users.
func (s *Store) Len() int {
	return len(s.users)
}

// All returns copies of every record. Order is unspecified; consumers
// key by id.
func (s *Store) All() []User {
	users := make([]User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, *u)
	}
	return users
}
