package models

// DefaultRefreshTokenLimit caps how many refresh tokens a user may hold at once.
const DefaultRefreshTokenLimit = 5

// RefreshTokenQueue is the ordered list of refresh tokens a user may still
// redeem, oldest first. It behaves as a bounded FIFO: pushing beyond the limit
// drops entries from the front.
type RefreshTokenQueue []string

// Push appends token and evicts the oldest entries until the queue fits limit.
// A non-positive limit falls back to DefaultRefreshTokenLimit.
func (q RefreshTokenQueue) Push(token string, limit int) RefreshTokenQueue {
	if limit <= 0 {
		limit = DefaultRefreshTokenLimit
	}
	next := make(RefreshTokenQueue, 0, len(q)+1)
	next = append(next, q...)
	next = append(next, token)
	if overflow := len(next) - limit; overflow > 0 {
		next = next[overflow:]
	}
	return next
}

// Remove drops every occurrence of token and reports whether it was present.
func (q RefreshTokenQueue) Remove(token string) (RefreshTokenQueue, bool) {
	next := make(RefreshTokenQueue, 0, len(q))
	found := false
	for _, t := range q {
		if t == token {
			found = true
			continue
		}
		next = append(next, t)
	}
	return next, found
}

// Contains reports whether token is present.
func (q RefreshTokenQueue) Contains(token string) bool {
	for _, t := range q {
		if t == token {
			return true
		}
	}
	return false
}
