package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dshills/depcontext/internal/config"
	"github.com/dshills/depcontext/internal/retry"
	"github.com/dshills/depcontext/pkg/types"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultMaxFileSize skips generated or vendored giants
	DefaultMaxFileSize = 1 << 20

	// DefaultMaxArchiveSize bounds the bytes read from one archive
	DefaultMaxArchiveSize = 256 << 20

	userAgent = "depcontext-idx/1.0"
)

// httpStatusError carries a non-2xx response
type httpStatusError struct {
	URL        string
	StatusCode int
	RetryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
}

// Options configures a Fetcher
type Options struct {
	Sources        []Source
	Client         *http.Client
	Limiter        *retry.Limiter
	Retry          retry.Config
	MaxFileSize    int64
	MaxArchiveSize int64
}

// Fetcher downloads and unpacks package sources
type Fetcher struct {
	sources        map[types.Registry]Source
	client         *http.Client
	limiter        *retry.Limiter
	retry          retry.Config
	maxFileSize    int64
	maxArchiveSize int64

	requests atomic.Int64
}

// New creates a fetcher; zero options get defaults
func New(opts Options) *Fetcher {
	f := &Fetcher{
		sources:        make(map[types.Registry]Source),
		client:         opts.Client,
		limiter:        opts.Limiter,
		retry:          opts.Retry,
		maxFileSize:    opts.MaxFileSize,
		maxArchiveSize: opts.MaxArchiveSize,
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: 60 * time.Second}
	}
	if f.limiter == nil {
		f.limiter = retry.NewLimiter(0, 1)
	}
	if f.retry.MaxAttempts == 0 {
		f.retry = retry.DefaultConfig()
	}
	if f.maxFileSize == 0 {
		f.maxFileSize = DefaultMaxFileSize
	}
	if f.maxArchiveSize == 0 {
		f.maxArchiveSize = DefaultMaxArchiveSize
	}
	for _, s := range opts.Sources {
		f.sources[s.Registry()] = s
	}
	return f
}

// DefaultSources builds the public-registry sources from configuration
func DefaultSources(cfg config.RegistrySpecification) []Source {
	return []Source{
		&NpmSource{BaseURL: cfg.Npm},
		&CratesSource{BaseURL: cfg.Crates},
		&PypiSource{BaseURL: cfg.Pypi},
		&GoProxySource{BaseURL: cfg.GoProxy},
		&MavenSource{BaseURL: cfg.Maven},
	}
}

// NewFromConfig wires sources, limiter and retry policy from configuration
func NewFromConfig(cfg config.RegistrySpecification, maxFileSize int64) *Fetcher {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.MaxRetries
	return New(Options{
		Sources:     DefaultSources(cfg),
		Client:      &http.Client{Timeout: cfg.Timeout},
		Limiter:     retry.NewLimiter(cfg.RPS, 2),
		Retry:       rc,
		MaxFileSize: maxFileSize,
	})
}

// Requests returns the number of HTTP requests issued, retries included
func (f *Fetcher) Requests() int64 {
	return f.requests.Load()
}

// Fetch downloads coord and returns its indexable files sorted by path
func (f *Fetcher) Fetch(ctx context.Context, coord types.PackageCoordinate) ([]File, error) {
	src, ok := f.sources[coord.Registry]
	if !ok {
		return nil, &types.FetchError{Coordinate: coord, Kind: types.FetchInvalid, Err: fmt.Errorf("no source for registry %q", coord.Registry)}
	}

	start := time.Now()
	archive, err := src.Locate(ctx, f, coord)
	if err != nil {
		return nil, f.classify(ctx, coord, err)
	}

	data, err := f.get(ctx, archive.URL)
	if err != nil {
		return nil, f.classify(ctx, coord, err)
	}

	files, err := extract(data, archive.Format, extractOptions{
		strip:       archive.strip,
		keep:        func(p string) bool { return Indexable(coord.Registry, p) },
		maxFileSize: f.maxFileSize,
		maxTotal:    f.maxArchiveSize,
	})
	if err != nil {
		return nil, &types.FetchError{Coordinate: coord, Kind: types.FetchInvalid, Err: err}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	log.Debug().
		Str("package", coord.String()).
		Int("files", len(files)).
		Int("archive_bytes", len(data)).
		Dur("duration", time.Since(start)).
		Msg("package fetched")
	return files, nil
}

// GetJSON implements Getter with the fetcher's retry and rate limit policy
func (f *Fetcher) GetJSON(ctx context.Context, url string, into any) error {
	data, err := f.get(ctx, url)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, into); err != nil {
		return retry.Permanent(fmt.Errorf("decode %s: %w", url, err))
	}
	return nil
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, error) {
	return retry.Do(ctx, f.retry, isRetryable, func(ctx context.Context) ([]byte, error) {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		f.requests.Add(1)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, retry.Permanent(err)
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			statusErr := &httpStatusError{URL: url, StatusCode: resp.StatusCode}
			if resp.StatusCode == http.StatusTooManyRequests {
				statusErr.RetryAfter = retry.ParseRetryAfter(resp.Header, time.Second)
				f.limiter.Backoff(statusErr.RetryAfter)
			}
			return nil, statusErr
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxArchiveSize+1))
		if err != nil {
			return nil, err
		}
		if int64(len(body)) > f.maxArchiveSize {
			return nil, retry.Permanent(errArchiveTooLarge)
		}
		return body, nil
	})
}

// isRetryable: transport failures, 5xx and 429 only
func isRetryable(err error) bool {
	var se *httpStatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	return true
}

func (f *Fetcher) classify(ctx context.Context, coord types.PackageCoordinate, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	kind := types.FetchInvalid
	var se *httpStatusError
	var ne net.Error
	switch {
	case errors.As(err, &se):
		switch {
		case se.StatusCode == http.StatusNotFound || se.StatusCode == http.StatusGone:
			kind = types.FetchNotFound
		case se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500:
			kind = types.FetchNetwork
		}
	case errors.As(err, &ne):
		kind = types.FetchNetwork
	case !errors.Is(err, errArchiveTooLarge) && isTransport(err):
		kind = types.FetchNetwork
	}
	return &types.FetchError{Coordinate: coord, Kind: kind, Err: err}
}

// isTransport recognises errors from the HTTP client that are not net.Error
func isTransport(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
