package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/example/fx-ledger/internal/security"
)

func isReadOnly(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// AuditMiddleware chains one entry per state-changing request, rejected ones included.
func AuditMiddleware(a Auditor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a == nil || isReadOnly(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			sw := newStatusWriter(w)
			start := time.Now()
			next.ServeHTTP(sw, r)

			a.Append(fmt.Sprintf("cid=%s method=%s path=%s remote=%s status=%d dur_ms=%d",
				security.CorrelationIDFromContext(r.Context()), r.Method, r.URL.Path,
				rateLimitKeyByIP(r), sw.status, time.Since(start).Milliseconds()))
		})
	}
}
