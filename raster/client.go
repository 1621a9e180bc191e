// Package raster is the HTTP client for the opaque rasterizer/OCR container.
// The pipeline never parses PDFs, renders tiles, or detects markers itself;
// every stage side effect is a request/response round trip to this service.
// Calls retry a small bounded number of times with exponential backoff and
// jitter, behind a circuit breaker so a dead container fails fast instead of
// tying up queue visibility windows.
package raster

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sony/gobreaker"
)

// Service is the rasterizer/OCR contract consumed by the stage workers.
type Service interface {
	// PageCount returns the number of pages in the uploaded PDF at pdfKey.
	PageCount(ctx context.Context, pdfKey string) (int, error)
	// RenderPage rasterizes one page to a single-page PDF and extracts its
	// sheet label from the title block.
	RenderPage(ctx context.Context, req RenderRequest) (RenderResult, error)
	// GenerateTiles produces the deep-zoom pyramid for a rasterized page.
	GenerateTiles(ctx context.Context, req TileRequest) (TileResult, error)
	// DetectMarkers finds callout symbols on a rasterized page.
	DetectMarkers(ctx context.Context, req MarkerRequest) (MarkerResult, error)
}

// RenderRequest identifies the page to rasterize.
type RenderRequest struct {
	PDFKey      string `json:"pdfKey"`
	SheetNumber int    `json:"sheetNumber"`
}

// RenderResult carries the rasterized page and the OCR-extracted label.
// SheetName may be empty when the title block yields nothing usable.
type RenderResult struct {
	Page      []byte `json:"page"`
	SheetName string `json:"sheetName"`
}

// TileRequest identifies the rasterized page to tile.
type TileRequest struct {
	PageKey string `json:"pageKey"`
}

// TileResult is the produced pyramid: the deep-zoom descriptor plus the tile
// images, addressed by level/column/row.
type TileResult struct {
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	TileSize int    `json:"tileSize"`
	Overlap  int    `json:"overlap"`
	Tiles    []Tile `json:"tiles"`
}

// Tile is one pyramid image.
type Tile struct {
	Level int    `json:"level"`
	Col   int    `json:"col"`
	Row   int    `json:"row"`
	Data  []byte `json:"data"`
}

// MarkerRequest identifies the page to scan and the sheet names that detected
// references may legally target.
type MarkerRequest struct {
	PageKey     string   `json:"pageKey"`
	ValidSheets []string `json:"validSheets"`
}

// MarkerResult carries the detected callouts.
type MarkerResult struct {
	Markers []Marker `json:"markers"`
}

// Marker is one detected callout, e.g. detail 5 pointing at sheet A7.
type Marker struct {
	Label       string `json:"label"`
	TargetSheet string `json:"targetSheet"`
}

// maxRetries bounds in-worker retries; beyond this the job dead-letters and
// the deadline alarm owns the verdict.
const maxRetries = 3

// Client implements Service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// Compile-time interface check.
var _ Service = (*Client)(nil)

// NewClient creates a client for the service at baseURL. The per-call timeout
// must cover the worst-case rasterization of a large sheet.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "raster",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// backoffWait sleeps for an exponentially increasing duration with jitter.
// Returns false if the context is cancelled during the wait.
func backoffWait(ctx context.Context, attempt int) bool {
	base := 250 * time.Millisecond
	maxDelay := 10 * time.Second

	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay {
		delay = maxDelay
	}
	delay += time.Duration(rand.Int64N(int64(delay)))

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// statusError marks responses worth retrying (5xx) apart from permanent
// request failures (4xx).
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("raster service returned %d: %s", e.code, e.body)
}

func (e *statusError) retryable() bool { return e.code >= 500 }

// post sends one JSON request through the breaker and retry loop and decodes
// the response into out.
func (c *Client) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", path, err)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 && !backoffWait(ctx, attempt) {
			return ctx.Err()
		}

		_, err := c.breaker.Execute(func() (any, error) {
			return nil, c.doOnce(ctx, path, payload, out)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		var se *statusError
		if ok := asStatusError(err, &se); ok && !se.retryable() {
			return err
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			continue
		}
	}
	return fmt.Errorf("raster call %s failed after %d attempts: %w", path, maxRetries, lastErr)
}

func asStatusError(err error, target **statusError) bool {
	se, ok := err.(*statusError)
	if ok {
		*target = se
	}
	return ok
}

func (c *Client) doOnce(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("raster call %s failed: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		buf := make([]byte, 512)
		n, _ := resp.Body.Read(buf)
		return &statusError{code: resp.StatusCode, body: string(buf[:n])}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// PageCount returns the number of pages in the uploaded PDF.
func (c *Client) PageCount(ctx context.Context, pdfKey string) (int, error) {
	var resp struct {
		PageCount int `json:"pageCount"`
	}
	req := struct {
		PDFKey string `json:"pdfKey"`
	}{PDFKey: pdfKey}
	if err := c.post(ctx, "/v1/page-count", req, &resp); err != nil {
		return 0, err
	}
	if resp.PageCount < 1 {
		return 0, fmt.Errorf("raster service reported %d pages for %s", resp.PageCount, pdfKey)
	}
	return resp.PageCount, nil
}

// RenderPage rasterizes one page and extracts its sheet label.
func (c *Client) RenderPage(ctx context.Context, req RenderRequest) (RenderResult, error) {
	var resp RenderResult
	if err := c.post(ctx, "/v1/render", req, &resp); err != nil {
		return RenderResult{}, err
	}
	return resp, nil
}

// GenerateTiles produces the deep-zoom pyramid for a rasterized page.
func (c *Client) GenerateTiles(ctx context.Context, req TileRequest) (TileResult, error) {
	var resp TileResult
	if err := c.post(ctx, "/v1/tiles", req, &resp); err != nil {
		return TileResult{}, err
	}
	return resp, nil
}

// DetectMarkers finds callout symbols on a rasterized page.
func (c *Client) DetectMarkers(ctx context.Context, req MarkerRequest) (MarkerResult, error) {
	var resp MarkerResult
	if err := c.post(ctx, "/v1/markers", req, &resp); err != nil {
		return MarkerResult{}, err
	}
	return resp, nil
}
