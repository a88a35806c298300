package approvalserver

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
)

// sessionCookieName is the HttpOnly cookie issued after the bootstrap
// token is presented once via the URL query string.
const sessionCookieName = "shellgate_session"

// A hit to "/" with the bootstrap token in ?token=... is answered with
// an HttpOnly session cookie derived from the token via HMAC and a
// redirect to the bare path, so the page the browser then renders (and
// the requests it makes) carry the cookie rather than the token. The
// /api routes still accept the token itself as ?token= or as an
// Authorization: Bearer header on every request (see hasValidCredentials).
func sessionCookieValue(token string) string {
	mac := hmac.New(sha256.New, []byte(token))
	mac.Write([]byte("shellgate-session-v1"))
	return hex.EncodeToString(mac.Sum(nil))
}

func validSessionCookie(cookieValue, token string) bool {
	want := sessionCookieValue(token)
	return subtle.ConstantTimeCompare([]byte(cookieValue), []byte(want)) == 1
}

// sessionExchange wraps the index handler: if a valid bootstrap token
// is present in the query string, it mints the session cookie and
// redirects to the bare path so the token never appears in the
// rendered page's own URL.
func (s *Server) sessionExchange(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token := r.URL.Query().Get("token"); token != "" {
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) == 1 {
				http.SetCookie(w, &http.Cookie{
					Name:     sessionCookieName,
					Value:    sessionCookieValue(s.token),
					Path:     "/",
					HttpOnly: true,
					SameSite: http.SameSiteStrictMode,
				})
				http.Redirect(w, r, "/", http.StatusSeeOther)
				return
			}
			writeUnauthorized(w)
			return
		}
		if cookie, err := r.Cookie(sessionCookieName); err != nil || !validSessionCookie(cookie.Value, s.token) {
			writeUnauthorized(w)
			return
		}
		next(w, r)
	}
}
