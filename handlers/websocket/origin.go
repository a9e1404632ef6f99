package websocket

import (
	"net/http"
	"net/url"
	"strings"
)

// OriginPolicy returns an origin check usable by both CORS and the websocket
// upgrader. With no configured origins only local and tauri origins are accepted.
func OriginPolicy(allowed []string) func(r *http.Request, origin string) bool {
	return func(r *http.Request, origin string) bool {
		if origin == "" {
			return false
		}

		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		if len(allowed) > 0 {
			return false
		}

		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}

		switch parsed.Scheme {
		case "http", "https":
			switch parsed.Hostname() {
			case "localhost", "127.0.0.1", "::1":
				return true
			}
		case "tauri":
			return parsed.Hostname() == "localhost"
		}

		return false
	}
}
