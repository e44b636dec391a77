package transport

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IdentityResolver is implemented by connections that know their
// server-assigned identity outright.
type IdentityResolver interface {
	ResolveIdentity() (string, bool)
}

// URLSource exposes the URL a connection was opened with and, when the backend
// rewrote it, the URL actually used on the wire.
type URLSource interface {
	URL() string
	TransportURL() string
}

// PropertySource exposes string-valued connection metadata such as upgrade
// response headers.
type PropertySource interface {
	Properties() map[string]string
}

var (
	sessionPathPattern  = regexp.MustCompile(`/(\d+)/([^/]+)/(websocket|xhr_streaming)`)
	sessionTokenPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{8,}$`)
)

// ResolveIdentity produces a non-empty identity for conn. It tries, in order,
// the connection's own identity, a session segment in its URLs, a
// session-like property, and finally a generated token. It never panics.
func ResolveIdentity(conn Conn, dialURL string) (id string) {
	defer func() {
		if r := recover(); r != nil {
			id = "error-" + strconv.FormatInt(time.Now().UnixMilli(), 10)
		}
	}()

	if r, ok := conn.(IdentityResolver); ok {
		if id, ok := r.ResolveIdentity(); ok && id != "" {
			return id
		}
	}

	urls := []string{dialURL}
	if s, ok := conn.(URLSource); ok {
		urls = []string{s.URL(), s.TransportURL()}
	}
	for _, u := range urls {
		if id := IdentityFromURL(u); id != "" {
			return id
		}
	}

	if p, ok := conn.(PropertySource); ok {
		if id := identityFromProperties(p.Properties()); id != "" {
			return id
		}
	}

	return FallbackIdentity()
}

// IdentityFromURL extracts the session segment of a SockJS-style path such as
// /ws/generation/123/abcd1234/websocket.
func IdentityFromURL(u string) string {
	if u == "" {
		return ""
	}
	m := sessionPathPattern.FindStringSubmatch(u)
	if m == nil {
		return ""
	}
	return m[2]
}

func identityFromProperties(props map[string]string) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !strings.Contains(strings.ToLower(k), "session") {
			continue
		}
		if v := props[k]; sessionTokenPattern.MatchString(v) {
			return v
		}
	}
	return ""
}

func FallbackIdentity() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("fallback-%d-%s", time.Now().UnixMilli(), suffix)
}
