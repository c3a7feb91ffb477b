package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// MaxFeedSize caps the bytes read from one feed response.
const MaxFeedSize = 16 << 20

// Validators are the HTTP cache validators remembered between fetches.
type Validators struct {
	ETag         string
	LastModified string
}

// FetchResult is the outcome of one conditional GET.
type FetchResult struct {
	StatusCode  int
	NotModified bool
	Body        []byte
	Fingerprint string
	Validators  Validators
}

// StatusError is returned for responses other than 200 and 304.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return "unexpected feed status: " + e.Status
}

// Fetcher downloads iCal feeds with conditional requests.
type Fetcher struct {
	client    *http.Client
	userAgent string
	logger    *zerolog.Logger
}

func NewFetcher(client *http.Client, userAgent string, logger *zerolog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	l := logger.With().Str("component", "ics_fetcher").Logger()
	return &Fetcher{client: client, userAgent: userAgent, logger: &l}
}

// Fetch issues a GET honoring the previous validators. A 304 yields
// NotModified with no body.
func (f *Fetcher) Fetch(ctx context.Context, url string, prev Validators) (FetchResult, error) {
	if url == "" {
		return FetchResult{}, errors.New("feed url is empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("build feed request: %w", err)
	}
	if prev.ETag != "" {
		req.Header.Set("If-None-Match", prev.ETag)
	}
	if prev.LastModified != "" {
		req.Header.Set("If-Modified-Since", prev.LastModified)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept", "text/calendar, text/plain;q=0.9, */*;q=0.5")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, fmt.Errorf("fetch feed %s: %w", RedactURL(url), err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		f.logger.Debug().Str("url", RedactURL(url)).Dur("took", time.Since(start)).Msg("Feed not modified")
		return FetchResult{StatusCode: resp.StatusCode, NotModified: true, Validators: prev}, nil

	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, MaxFeedSize+1))
		if err != nil {
			return FetchResult{}, fmt.Errorf("read feed body: %w", err)
		}
		if len(body) > MaxFeedSize {
			return FetchResult{}, fmt.Errorf("feed %s exceeds %d bytes", RedactURL(url), MaxFeedSize)
		}

		next := Validators{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		f.logger.Debug().
			Str("url", RedactURL(url)).
			Int("bytes", len(body)).
			Dur("took", time.Since(start)).
			Msg("Feed fetched")

		return FetchResult{
			StatusCode:  resp.StatusCode,
			Body:        body,
			Fingerprint: Fingerprint(body),
			Validators:  next,
		}, nil

	default:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return FetchResult{StatusCode: resp.StatusCode}, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
}

// Fingerprint is the hex sha256 of a feed body.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// RedactURL keeps scheme and host; feed paths usually embed secrets.
func RedactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "ics://...(redacted)"
	}

	j := i
	for j < len(u) && u[j] != '/' && u[j] != '?' {
		j++
	}
	return u[:j] + redactedSuffix
}
