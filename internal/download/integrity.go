package download

import (
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
)

// expectedMD5 extracts an MD5 digest from Content-MD5, the x-goog-hash
// header, or a strong ETag that is a bare MD5 hex string.
func expectedMD5(h http.Header) []byte {
	if v := strings.TrimSpace(h.Get("Content-MD5")); v != "" {
		if sum, err := base64.StdEncoding.DecodeString(v); err == nil && len(sum) == 16 {
			return sum
		}
	}
	for _, v := range h.Values("X-Goog-Hash") {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if b64, ok := strings.CutPrefix(part, "md5="); ok {
				if sum, err := base64.StdEncoding.DecodeString(b64); err == nil && len(sum) == 16 {
					return sum
				}
			}
		}
	}
	if etag := h.Get("ETag"); isStrongETag(etag) {
		raw := strings.Trim(etag, `"`)
		if len(raw) == 32 {
			if sum, err := hex.DecodeString(raw); err == nil {
				return sum
			}
		}
	}
	return nil
}

func isStrongETag(etag string) bool {
	return len(etag) >= 2 && !strings.HasPrefix(etag, "W/") && strings.HasPrefix(etag, `"`) && strings.HasSuffix(etag, `"`)
}

// parseContentRange parses "bytes start-end/size". size is -1 when the
// server reports it as "*".
func parseContentRange(v string) (start, end, size int64, ok bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(v), "bytes ")
	if !found {
		return 0, 0, 0, false
	}
	span, total, found := strings.Cut(rest, "/")
	if !found {
		return 0, 0, 0, false
	}
	first, last, found := strings.Cut(span, "-")
	if !found {
		return 0, 0, 0, false
	}
	var err error
	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, false
	}
	if end, err = strconv.ParseInt(last, 10, 64); err != nil || end < start {
		return 0, 0, 0, false
	}
	size = -1
	if total != "*" {
		if size, err = strconv.ParseInt(total, 10, 64); err != nil {
			return 0, 0, 0, false
		}
	}
	return start, end, size, true
}

func contentEncoding(h http.Header) string {
	enc := strings.ToLower(strings.TrimSpace(h.Get("Content-Encoding")))
	if enc == "identity" {
		return ""
	}
	return enc
}
