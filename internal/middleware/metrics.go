package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/signalhub-api/internal/service"
)

// unmatchedRoute labels requests no route matched so scanners cannot blow up label cardinality.
const unmatchedRoute = "unmatched"

// requestObserver is satisfied by *service.MetricsService.
type requestObserver interface {
	ObserveHTTPRequest(method, path string, status int, duration time.Duration)
}

var _ requestObserver = (*service.MetricsService)(nil)

// Metrics records duration and count for every request, labelled by route template.
// Paths listed in skip (e.g. the scrape endpoint) are not observed.
func Metrics(metricsSvc *service.MetricsService, skip ...string) gin.HandlerFunc {
	if metricsSvc == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return observeRequests(metricsSvc, skip...)
}

func observeRequests(observer requestObserver, skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		if _, ok := skipped[route]; ok {
			return
		}
		observer.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
