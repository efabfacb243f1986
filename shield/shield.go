// Package shield provides the HTTP middleware vitrine puts in front of its
// JSON API: security headers, a request body cap, HEAD handling and
// per-client rate limiting on the expensive routes.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.APIStack(1 << 20) {
//	    r.Use(mw)
//	}
//	r.With(shield.NewRateLimiter(shield.RateLimitConfig{PerSecond: 1, Burst: 3}).Middleware).Post("/search", h)
package shield

import "net/http"

// APIStack returns the default middleware for a JSON API, ordered
// HeadToGet → SecurityHeaders → MaxBody.
func APIStack(maxBody int64) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(maxBody),
	}
}

// HeadToGet lets HEAD hit routes registered with Get. net/http drops the
// response body for HEAD on its own.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		r2 := r.Clone(r.Context())
		r2.Method = http.MethodGet
		next.ServeHTTP(w, r2)
	})
}
