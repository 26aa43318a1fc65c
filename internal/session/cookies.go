package session

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

const (
	// CSRFCookieName carries the cross-site request forgery token.
	CSRFCookieName = "ct0"
	// AuthCookieName is set once the account is authenticated.
	AuthCookieName = "auth_token"
	// TwidCookieName identifies the authenticated account.
	TwidCookieName = "twid"

	defaultCookiePath = "/"
	httpsScheme       = "https"
)

// StoredCookie is a cookie with the attributes needed to replay it after a restart.
type StoredCookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure"`
	HTTPOnly bool      `json:"http_only"`
	HostOnly bool      `json:"host_only"`
}

func (cookie StoredCookie) expired(now time.Time) bool {
	return !cookie.Expires.IsZero() && !cookie.Expires.After(now)
}

type cookieKey struct {
	domain string
	path   string
	name   string
}

// cookieStore pairs a standard jar, which decides what to send, with an attribute-preserving
// record of every live cookie, which the jar cannot enumerate.
type cookieStore struct {
	jar     *cookiejar.Jar
	records map[cookieKey]StoredCookie
	// setOrder numbers each record by when it was last written.
	setOrder map[cookieKey]uint64
	sequence uint64
	now      func() time.Time
}

func newCookieStore(now func() time.Time) (*cookieStore, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	return &cookieStore{
		jar:      jar,
		records:  make(map[cookieKey]StoredCookie),
		setOrder: make(map[cookieKey]uint64),
		now:      now,
	}, nil
}

func (store *cookieStore) put(key cookieKey, record StoredCookie) {
	store.sequence++
	store.records[key] = record
	store.setOrder[key] = store.sequence
}

func (store *cookieStore) remove(key cookieKey) {
	delete(store.records, key)
	delete(store.setOrder, key)
}

// cookiesFor returns the cookies that match requestURL.
func (store *cookieStore) cookiesFor(requestURL *url.URL) []*http.Cookie {
	return store.jar.Cookies(requestURL)
}

// absorb merges response cookies set for requestURL and returns the live ones.
func (store *cookieStore) absorb(requestURL *url.URL, responseCookies []*http.Cookie) []StoredCookie {
	if len(responseCookies) == 0 {
		return nil
	}
	store.jar.SetCookies(requestURL, responseCookies)

	now := store.now()
	live := make([]StoredCookie, 0, len(responseCookies))
	for _, responseCookie := range responseCookies {
		record := storedFromResponse(requestURL, responseCookie, now)
		key := cookieKey{domain: record.Domain, path: record.Path, name: record.Name}
		if record.expired(now) || responseCookie.MaxAge < 0 {
			store.remove(key)
			continue
		}
		store.put(key, record)
		live = append(live, record)
	}
	return live
}

func storedFromResponse(requestURL *url.URL, responseCookie *http.Cookie, now time.Time) StoredCookie {
	record := StoredCookie{
		Name:     responseCookie.Name,
		Value:    responseCookie.Value,
		Domain:   strings.ToLower(responseCookie.Domain),
		Path:     responseCookie.Path,
		Secure:   responseCookie.Secure,
		HTTPOnly: responseCookie.HttpOnly,
	}
	if record.Domain == "" {
		record.Domain = strings.ToLower(requestURL.Hostname())
		record.HostOnly = true
	}
	if record.Path == "" || !strings.HasPrefix(record.Path, "/") {
		record.Path = defaultCookiePath
	}
	switch {
	case responseCookie.MaxAge > 0:
		record.Expires = now.Add(time.Duration(responseCookie.MaxAge) * time.Second)
	case !responseCookie.Expires.IsZero():
		record.Expires = responseCookie.Expires
	}
	return record
}

// snapshot lists live cookies in a stable order.
func (store *cookieStore) snapshot() []StoredCookie {
	now := store.now()
	cookies := make([]StoredCookie, 0, len(store.records))
	for key, record := range store.records {
		if record.expired(now) {
			store.remove(key)
			continue
		}
		cookies = append(cookies, record)
	}
	sort.Slice(cookies, func(i, j int) bool {
		if cookies[i].Domain != cookies[j].Domain {
			return cookies[i].Domain < cookies[j].Domain
		}
		if cookies[i].Path != cookies[j].Path {
			return cookies[i].Path < cookies[j].Path
		}
		return cookies[i].Name < cookies[j].Name
	})
	return cookies
}

// restore replaces the store contents with previously snapshotted cookies.
func (store *cookieStore) restore(cookies []StoredCookie) error {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return err
	}
	store.jar = jar
	store.records = make(map[cookieKey]StoredCookie, len(cookies))
	store.setOrder = make(map[cookieKey]uint64, len(cookies))
	store.add(cookies)
	return nil
}

// add installs stored cookies on top of the current contents.
func (store *cookieStore) add(cookies []StoredCookie) {
	now := store.now()
	for _, record := range cookies {
		if record.expired(now) || record.Name == "" || record.Domain == "" {
			continue
		}
		record.Domain = strings.ToLower(record.Domain)
		if record.Path == "" {
			record.Path = defaultCookiePath
		}
		host := strings.TrimPrefix(record.Domain, ".")
		originURL := &url.URL{Scheme: httpsScheme, Host: host, Path: record.Path}
		httpCookie := &http.Cookie{
			Name:     record.Name,
			Value:    record.Value,
			Path:     record.Path,
			Expires:  record.Expires,
			Secure:   record.Secure,
			HttpOnly: record.HTTPOnly,
		}
		if !record.HostOnly {
			httpCookie.Domain = record.Domain
		}
		store.jar.SetCookies(originURL, []*http.Cookie{httpCookie})
		store.put(cookieKey{domain: record.Domain, path: record.Path, name: record.Name}, record)
	}
}

// value returns the live cookie called name. When several domains or paths carry it, the
// most specific domain wins, then the most recently set record.
func (store *cookieStore) value(name string) (string, bool) {
	now := store.now()
	var best StoredCookie
	var bestKey cookieKey
	found := false
	for key, record := range store.records {
		if record.Name != name || record.Value == "" || record.expired(now) {
			continue
		}
		if !found || store.preferred(key, record, bestKey, best) {
			best, bestKey, found = record, key, true
		}
	}
	return best.Value, found
}

func (store *cookieStore) preferred(key cookieKey, record StoredCookie, otherKey cookieKey, other StoredCookie) bool {
	specificity := len(strings.TrimPrefix(record.Domain, "."))
	otherSpecificity := len(strings.TrimPrefix(other.Domain, "."))
	if specificity != otherSpecificity {
		return specificity > otherSpecificity
	}
	return store.setOrder[key] > store.setOrder[otherKey]
}

func (store *cookieStore) clear() error {
	return store.restore(nil)
}
