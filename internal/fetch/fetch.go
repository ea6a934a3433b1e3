// Package fetch issues the single roster request against the upstream API
// and streams the JSON response into raw records.
package fetch

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"studentsync/internal/metrics"
	"studentsync/internal/roster"
)

// AllSchools is the school_name sentinel meaning "no filter".
const AllSchools = "ALL"

// Config holds everything needed to reach the roster API. It is passed in at
// construction; the client never reads ambient state.
type Config struct {
	URL        string
	APIKey     string
	SchoolName string // empty defaults to AllSchools
	Timeout    time.Duration

	// InsecureSkipVerify disables TLS verification. The upstream API serves a
	// self-signed certificate in some deployments; only enable when the
	// config explicitly says so.
	InsecureSkipVerify bool

	// Job tags HTTP metrics for this client.
	Job string
}

// Client performs the fetch. There is deliberately no retry or pagination:
// one GET, one response, and any failure is fatal to the run. Re-running the
// sync is the retry mechanism (safe, because reconciliation is idempotent).
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient builds a Client with a tuned transport.
func NewClient(cfg Config) *Client {
	if cfg.SchoolName == "" {
		cfg.SchoolName = AllSchools
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	transport := &http.Transport{
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        8,
		MaxIdleConnsPerHost: 4,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
	}
}

// RequestURL returns the full request URL with the api-key value redacted,
// suitable for logging.
func (c *Client) RequestURL() string {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return c.cfg.URL
	}
	q := u.Query()
	q.Set("api-key", "REDACTED")
	q.Set("school_name", c.cfg.SchoolName)
	u.RawQuery = q.Encode()
	return u.String()
}

// Students fetches and decodes the roster.
//
// Accepted response shapes:
//   - a bare JSON array of flat objects
//   - an envelope object whose first array-of-objects field (the API calls
//     it "data") holds the records; other envelope fields are skipped
//
// Anything else is a malformed response and fails the run. The decode is
// streaming: elements are emitted one at a time, never buffered as a tree.
func (c *Client) Students(ctx context.Context) ([]roster.RawStudent, error) {
	req, err := c.newRequest(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	requestDur := time.Since(start)
	if err != nil {
		metrics.RecordHTTP(c.cfg.Job, 0, err, requestDur, requestDur, 0)
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	body := &countingReader{r: resp.Body}

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(body, 512))
		respDur := time.Since(start)
		statusErr := fmt.Errorf("fetch: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		metrics.RecordHTTP(c.cfg.Job, resp.StatusCode, statusErr, requestDur, respDur, body.n)
		return nil, statusErr
	}

	var out []roster.RawStudent
	decodeErr := streamRecords(ctx, body, func(obj map[string]any) error {
		out = append(out, roster.FromObject(obj))
		return nil
	})
	respDur := time.Since(start)
	metrics.RecordHTTP(c.cfg.Job, resp.StatusCode, decodeErr, requestDur, respDur, body.n)
	if decodeErr != nil {
		return nil, decodeErr
	}
	return out, nil
}

func (c *Client) newRequest(ctx context.Context) (*http.Request, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("api-key", c.cfg.APIKey)
	q.Set("school_name", c.cfg.SchoolName)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// streamRecords walks the response body token-by-token and emits each record
// object through emit.
func streamRecords(ctx context.Context, r io.Reader, emit func(map[string]any) error) error {
	dec := json.NewDecoder(r)
	dec.UseNumber() // student_id arrives as a number for some schools

	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return fmt.Errorf("fetch: empty response body")
		}
		return fmt.Errorf("fetch: read first token: %w", err)
	}

	d, ok := tok.(json.Delim)
	if !ok {
		return fmt.Errorf("fetch: unsupported root token %T (want object or array)", tok)
	}

	switch d {
	case '[':
		if err := streamArrayOfObjects(ctx, dec, emit); err != nil {
			return err
		}
		if end, err := dec.Token(); err != nil {
			return fmt.Errorf("fetch: read array end: %w", err)
		} else if end != json.Delim(']') {
			return fmt.Errorf("fetch: expected array end ']', got %v", end)
		}
		return nil

	case '{':
		return streamEnvelope(ctx, dec, emit)

	default:
		return fmt.Errorf("fetch: unsupported root delimiter %q", d)
	}
}

// streamEnvelope walks a root object (after '{' has been consumed) and
// streams the first field whose value is an array of objects, skipping the
// remaining fields without materializing them.
func streamEnvelope(ctx context.Context, dec *json.Decoder, emit func(map[string]any) error) error {
	streamed := false

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("fetch: read envelope key: %w", err)
		}
		if _, ok := keyTok.(string); !ok {
			return fmt.Errorf("fetch: envelope key not a string (got %T)", keyTok)
		}

		valTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("fetch: read envelope value token: %w", err)
		}

		if delim, ok := valTok.(json.Delim); ok && delim == '[' && !streamed {
			if err := streamArrayOfObjects(ctx, dec, emit); err != nil {
				return err
			}
			if end, err := dec.Token(); err != nil {
				return fmt.Errorf("fetch: read envelope array end: %w", err)
			} else if end != json.Delim(']') {
				return fmt.Errorf("fetch: expected ']' after records array, got %v", end)
			}
			streamed = true
			continue
		}

		if err := skipValueFromFirstToken(dec, valTok); err != nil {
			return err
		}
	}

	if end, err := dec.Token(); err != nil {
		return fmt.Errorf("fetch: read envelope end: %w", err)
	} else if end != json.Delim('}') {
		return fmt.Errorf("fetch: expected object end '}', got %v", end)
	}

	if !streamed {
		return fmt.Errorf("fetch: response envelope has no records array")
	}
	return nil
}

// streamArrayOfObjects streams elements of the current array (after '[' has
// been consumed). Every element must be an object; nil elements are skipped.
func streamArrayOfObjects(ctx context.Context, dec *json.Decoder, emit func(map[string]any) error) error {
	n := 0
	for dec.More() {
		var raw any
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("fetch: decode array element %d: %w", n, err)
		}
		n++
		if raw == nil {
			continue
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("fetch: array element %d not an object (got %T)", n-1, raw)
		}
		if err := emit(obj); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

// skipValueFromFirstToken consumes the remainder of a JSON value whose first
// token has already been read, without materializing it.
func skipValueFromFirstToken(dec *json.Decoder, tok any) error {
	d, ok := tok.(json.Delim)
	if !ok {
		// scalar token; nothing else to consume
		return nil
	}

	var want json.Delim
	switch d {
	case '{':
		want = '}'
	case '[':
		want = ']'
	default:
		return fmt.Errorf("fetch: unexpected delimiter %q", d)
	}

	for dec.More() {
		next, err := dec.Token()
		if err != nil {
			return fmt.Errorf("fetch: skip value: %w", err)
		}
		if err := skipValueFromFirstToken(dec, next); err != nil {
			return err
		}
	}
	end, err := dec.Token()
	if err != nil {
		return fmt.Errorf("fetch: skip value end: %w", err)
	}
	if end != want {
		return fmt.Errorf("fetch: expected %q, got %v", want, end)
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
