package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/signalhub-api/pkg/middleware/requestid"
)

const (
	responseMetaKey  = "response_meta"
	requestStartKey  = "request_started_at"
	cacheHitMetaKey  = "cache_hit"
	requestIDMetaKey = "request_id"
	elapsedMetaKey   = "processing_time_ms"
)

// WithResponseMeta prepares the per-request meta map handlers attach to the envelope.
func WithResponseMeta() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(requestStartKey, time.Now())
		c.Set(responseMetaKey, map[string]interface{}{})
		c.Next()
	}
}

// SetCacheHit marks whether the payload was served from the stats cache.
func SetCacheHit(c *gin.Context, hit bool) {
	metaFor(c)[cacheHitMetaKey] = hit
}

// ExtractMeta returns the meta map, stamped with the request id and elapsed time.
// Call it right before writing the response.
func ExtractMeta(c *gin.Context) map[string]interface{} {
	if c == nil {
		return nil
	}
	meta := metaFor(c)
	if id := requestid.Value(c); id != "" {
		meta[requestIDMetaKey] = id
	}
	if started, ok := c.Get(requestStartKey); ok {
		if at, ok := started.(time.Time); ok {
			meta[elapsedMetaKey] = time.Since(at).Milliseconds()
		}
	}
	return meta
}

func metaFor(c *gin.Context) map[string]interface{} {
	if raw, ok := c.Get(responseMetaKey); ok {
		if meta, ok := raw.(map[string]interface{}); ok {
			return meta
		}
	}
	meta := map[string]interface{}{}
	c.Set(responseMetaKey, meta)
	return meta
}
