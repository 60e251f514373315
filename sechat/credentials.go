package sechat

import "sync"

// credentials holds the state only available after a successful login.
type credentials struct {
	mu       sync.RWMutex
	fkey     string
	user     User
	loggedIn bool
}

func (c *credentials) set(fkey string, user User) {
	c.mu.Lock()
	c.fkey = fkey
	c.user = user
	c.loggedIn = true
	c.mu.Unlock()
}

func (c *credentials) clear() {
	c.mu.Lock()
	c.fkey = ""
	c.user = User{}
	c.loggedIn = false
	c.mu.Unlock()
}

func (c *credentials) FKey() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loggedIn {
		return "", ErrNotLoggedIn
	}
	return c.fkey, nil
}

func (c *credentials) User() (User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loggedIn {
		return User{}, ErrNotLoggedIn
	}
	return c.user, nil
}
