package middleware

import "net/http"

// Middleware оборачивает обработчик.
type Middleware = func(http.Handler) http.Handler

// Compose собирает цепочку: первый middleware внешний, nil пропускаются.
func Compose(mws ...Middleware) Middleware {
	return func(next http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			if mws[i] == nil {
				continue
			}
			next = mws[i](next)
		}
		return next
	}
}
