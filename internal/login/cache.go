package login

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/xpersona/xpersona/internal/filestore"
	"github.com/xpersona/xpersona/internal/session"
)

const (
	sessionCacheFileSuffix = "_session.json"
	defaultCacheMaxAge     = 12 * time.Hour

	errMessageLoadCache = "failed to load session cache"
	errMessageSaveCache = "failed to save session cache"
)

// EssentialCookies must all be present for a cached session to be reused.
var EssentialCookies = []string{session.AuthCookieName, session.CSRFCookieName, session.TwidCookieName}

// Cache stores one session snapshot per account.
type Cache struct {
	directory string
	maxAge    time.Duration
	now       func() time.Time
}

// NewCache builds a Cache rooted at directory. A zero maxAge selects 12 hours.
func NewCache(directory string, maxAge time.Duration, now func() time.Time) *Cache {
	if maxAge <= 0 {
		maxAge = defaultCacheMaxAge
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{directory: directory, maxAge: maxAge, now: now}
}

// Path returns the snapshot file for username.
func (cache *Cache) Path(username string) string {
	return filepath.Join(cache.directory, username+sessionCacheFileSuffix)
}

// Load returns a snapshot that is younger than the maximum age and carries every essential
// cookie. It reports false for missing, stale or incomplete snapshots.
func (cache *Cache) Load(username string) (session.Snapshot, bool, error) {
	var snapshot session.Snapshot
	found, err := filestore.ReadJSON(cache.Path(username), &snapshot)
	if err != nil {
		return session.Snapshot{}, false, fmt.Errorf("%s: %w", errMessageLoadCache, err)
	}
	if !found {
		return session.Snapshot{}, false, nil
	}
	if cache.now().Sub(snapshot.SavedAt) >= cache.maxAge {
		return session.Snapshot{}, false, nil
	}
	if !hasEssentialCookies(snapshot, cache.now()) {
		return session.Snapshot{}, false, nil
	}
	return snapshot, true, nil
}

// Save writes snapshot with owner-only permissions.
func (cache *Cache) Save(snapshot session.Snapshot) error {
	if err := filestore.WriteJSON(cache.Path(snapshot.Username), snapshot, filestore.PrivateFileMode); err != nil {
		return fmt.Errorf("%s: %w", errMessageSaveCache, err)
	}
	return nil
}

func hasEssentialCookies(snapshot session.Snapshot, now time.Time) bool {
	present := make(map[string]bool, len(snapshot.Cookies))
	for _, cookie := range snapshot.Cookies {
		if cookie.Value == "" {
			continue
		}
		if !cookie.Expires.IsZero() && !cookie.Expires.After(now) {
			continue
		}
		present[cookie.Name] = true
	}
	for _, name := range EssentialCookies {
		if !present[name] {
			return false
		}
	}
	return true
}
