package httpmiddleware

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/gin-gonic/gin"

	"qrattend/internal/activity"
)

// DeviceHeader carries an optional client-computed device fingerprint.
const DeviceHeader = "X-Device-Fingerprint"

const originKey = "origin"

var fingerprintHeaders = []string{
	"User-Agent",
	"Accept-Language",
	"Accept-Encoding",
	"Connection",
	"Dnt",
	"Upgrade-Insecure-Requests",
}

// Fingerprint derives a device fingerprint from request headers and the
// client address and stores the request Origin on the context.
func Fingerprint() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(originKey, activity.Origin{
			IPAddress:   c.ClientIP(),
			Fingerprint: DeviceFingerprint(c),
			UserAgent:   c.GetHeader("User-Agent"),
		})
		c.Next()
	}
}

// DeviceFingerprint hashes the identifying request headers, the client IP
// and the client-supplied fingerprint into a hex digest.
func DeviceFingerprint(c *gin.Context) string {
	h := sha256.New()
	for _, name := range fingerprintHeaders {
		h.Write([]byte(name))
		h.Write([]byte{'='})
		h.Write([]byte(c.GetHeader(name)))
		h.Write([]byte{0})
	}
	h.Write([]byte(c.ClientIP()))
	if client := strings.TrimSpace(c.GetHeader(DeviceHeader)); client != "" {
		h.Write([]byte{0})
		h.Write([]byte(client))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// OriginFrom returns the origin stored by Fingerprint, computing it when the
// middleware did not run.
func OriginFrom(c *gin.Context) activity.Origin {
	if v, ok := c.Get(originKey); ok {
		if o, ok := v.(activity.Origin); ok {
			return o
		}
	}
	return activity.Origin{
		IPAddress:   c.ClientIP(),
		Fingerprint: DeviceFingerprint(c),
		UserAgent:   c.GetHeader("User-Agent"),
	}
}
