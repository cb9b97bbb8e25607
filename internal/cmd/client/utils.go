package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// apiClient is used for request/response calls; streamClient has no
// timeout because event streams stay open.
var (
	apiClient    = &http.Client{Timeout: 30 * time.Second}
	streamClient = &http.Client{}
)

// statusError carries a non-2xx response decoded from the server's
// {"error","kind"} body.
type statusError struct {
	code       int
	status     string
	msg        string
	kind       string
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	var b strings.Builder
	b.WriteString("http error: ")
	b.WriteString(e.status)
	if e.kind != "" {
		b.WriteString(" [" + e.kind + "]")
	}
	if e.msg != "" {
		b.WriteString(": " + e.msg)
	}
	return b.String()
}

func readStatusError(resp *http.Response) error {
	se := &statusError{code: resp.StatusCode, status: resp.Status}
	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if json.Unmarshal(b, &body) == nil {
		se.msg, se.kind = body.Error, body.Kind
	} else {
		se.msg = strings.TrimSpace(string(b))
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		se.retryAfter = time.Duration(secs) * time.Second
	}
	return se
}

// doJSON sends body (if any) as JSON and decodes a 2xx response into out.
func doJSON(ctx context.Context, method, u string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := apiClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return readStatusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// streamURL joins the base URL, the escaped session id and a suffix such
// as "/status". An empty suffix addresses the stream itself.
func streamURL(base, session, suffix string) string {
	return strings.TrimRight(base, "/") + "/stream/" + url.PathEscape(session) + suffix
}

func printIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
