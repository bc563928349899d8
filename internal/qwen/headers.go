package qwen

import (
	"net/http"

	"github.com/google/uuid"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Credentials is the (token, cookie) pair attached to upstream requests.
type Credentials struct {
	Token  string
	Cookie string
}

// BuildHeaders produces the browser-like header set for an upstream request.
// When fingerprint is true the sec-ch-ua / sec-fetch families and a Referer
// to the chat origin are added; some vision models reject requests without
// them.
func BuildHeaders(creds Credentials, baseURL string, fingerprint bool) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+creds.Token)
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", userAgent)
	h.Set("Accept", "*/*")
	h.Set("Accept-Encoding", "gzip, br")
	h.Set("source", "web")
	h.Set("x-request-id", uuid.New().String())
	h.Set("x-accel-buffering", "no")
	if creds.Cookie != "" {
		h.Set("Cookie", creds.Cookie)
	}
	if fingerprint {
		h.Set("sec-ch-ua", `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`)
		h.Set("sec-ch-ua-mobile", "?0")
		h.Set("sec-ch-ua-platform", `"Windows"`)
		h.Set("sec-fetch-dest", "empty")
		h.Set("sec-fetch-mode", "cors")
		h.Set("sec-fetch-site", "same-origin")
		h.Set("Referer", baseURL+"/")
		h.Set("Origin", baseURL)
	}
	return h
}
