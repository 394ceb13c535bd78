package native

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Farkhat1984/sanbao-sub000/internal/net/ssrf"
)

const (
	httpDefaultTimeout = 15 * time.Second
	httpMaxTimeout     = 30 * time.Second
	httpMaxBodyBytes   = 50 * 1024
	httpTruncateMarker = "\n...[response truncated, 50KB limit exceeded]"
)

// validateOutboundURL is replaced in tests that target httptest servers.
var validateOutboundURL = ssrf.ValidateURL

var keptResponseHeaders = []string{"content-type", "x-request-id", "x-total-count", "link"}

type httpRequestArgs struct {
	URL     string            `json:"url" jsonschema:"required" jsonschema_description:"Absolute http or https URL."`
	Method  string            `json:"method,omitempty" jsonschema:"enum=GET,enum=POST,enum=PUT,enum=PATCH,enum=DELETE" jsonschema_description:"HTTP method. Defaults to GET."`
	Headers map[string]string `json:"headers,omitempty" jsonschema_description:"Request headers."`
	Body    string            `json:"body,omitempty" jsonschema_description:"Request body for POST, PUT and PATCH."`
	Timeout int               `json:"timeout,omitempty" jsonschema_description:"Timeout in milliseconds (default 15000, max 30000)."`
}

func registerHTTPTools(reg *Registry, deps *Deps) error {
	return reg.Register(Definition{
		Name:        "http_request",
		Description: "Make an HTTP request to a public URL and return status, selected headers and body. Internal and private addresses are blocked.",
		Parameters:  schemaFor(&httpRequestArgs{}),
		Execute: typed(func(ctx context.Context, args httpRequestArgs, _ *Invocation) (string, error) {
			return doHTTPRequest(ctx, deps.HTTPClient, args)
		}),
	})
}

func doHTTPRequest(ctx context.Context, client *http.Client, args httpRequestArgs) (string, error) {
	u, err := validateOutboundURL(args.URL)
	if err != nil {
		return errorResult(err.Error())
	}

	method := strings.ToUpper(args.Method)
	if method == "" {
		method = http.MethodGet
	}
	timeout := httpDefaultTimeout
	if args.Timeout > 0 {
		timeout = time.Duration(args.Timeout) * time.Millisecond
	}
	if timeout > httpMaxTimeout {
		timeout = httpMaxTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		if args.Body != "" {
			body = strings.NewReader(args.Body)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return errorResult("Request error: " + err.Error())
	}
	for k, v := range args.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return errorResult(fmt.Sprintf("Request timeout (%dms)", timeout.Milliseconds()))
		}
		return errorResult("Request error: " + err.Error())
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	var text string
	if isTextual(contentType) {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, httpMaxBodyBytes+1))
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return errorResult(fmt.Sprintf("Request timeout (%dms)", timeout.Milliseconds()))
			}
			return errorResult("Request error: " + err.Error())
		}
		text = truncateUTF8(raw, httpMaxBodyBytes)
	} else {
		length := "?"
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			length = cl
		} else if resp.ContentLength >= 0 {
			length = strconv.FormatInt(resp.ContentLength, 10)
		}
		text = fmt.Sprintf("[binary response: %s, %s bytes]", contentType, length)
	}

	headers := make(map[string]string)
	for _, name := range keptResponseHeaders {
		if v := resp.Header.Get(name); v != "" {
			headers[name] = v
		}
	}

	return jsonResult(map[string]any{
		"status":     resp.StatusCode,
		"statusText": http.StatusText(resp.StatusCode),
		"headers":    headers,
		"body":       text,
	})
}

func isTextual(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "application/json") || strings.HasPrefix(ct, "text/")
}

// truncateUTF8 cuts raw to at most limit bytes on a rune boundary and appends
// the truncation marker when anything was dropped.
func truncateUTF8(raw []byte, limit int) string {
	if len(raw) <= limit {
		return string(raw)
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(raw[cut]) {
		cut--
	}
	return string(raw[:cut]) + httpTruncateMarker
}
