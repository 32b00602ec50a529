package session

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
)

// CookieCodec carries session tokens in an HMAC-signed cookie.
type CookieCodec struct {
	name    string
	secure  bool
	sliding bool
	maxAge  time.Duration
	sc      *securecookie.SecureCookie
}

// NewCookieCodec returns a codec whose cookies live for maxAge. With sliding
// set the signed value carries no expiry of its own and Refresh re-issues the
// cookie, leaving expiry to the server-side session.
func NewCookieCodec(name string, hashKey []byte, secure bool, maxAge time.Duration, sliding bool) *CookieCodec {
	sc := securecookie.New(hashKey, nil)
	if sliding {
		sc.MaxAge(0)
	} else {
		sc.MaxAge(int(maxAge.Seconds()))
	}
	return &CookieCodec{name: name, secure: secure, sliding: sliding, maxAge: maxAge, sc: sc}
}

func (c *CookieCodec) Name() string { return c.name }

// Set writes the session cookie for token.
func (c *CookieCodec) Set(w http.ResponseWriter, token string) error {
	encoded, err := c.sc.Encode(c.name, token)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    encoded,
		Path:     "/",
		MaxAge:   int(c.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Refresh re-issues the session cookie of a sliding codec when r carried a
// valid one. It reports whether a cookie was written.
func (c *CookieCodec) Refresh(w http.ResponseWriter, r *http.Request) bool {
	if !c.sliding {
		return false
	}
	token, ok := c.fromCookie(r)
	if !ok {
		return false
	}
	return c.Set(w, token) == nil
}

// Clear expires the session cookie on the client.
func (c *CookieCodec) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Token extracts the session token from, in order, the signed cookie, an
// Authorization bearer header, or the token query parameter. It returns ""
// when no valid carrier is present.
func (c *CookieCodec) Token(r *http.Request) string {
	if token, ok := c.fromCookie(r); ok {
		return token
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

func (c *CookieCodec) fromCookie(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(c.name)
	if err != nil {
		return "", false
	}
	var token string
	if err := c.sc.Decode(c.name, cookie.Value, &token); err != nil {
		return "", false
	}
	return token, true
}
