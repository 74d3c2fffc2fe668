package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/bookbridge/readalong/internal/cache"
	"github.com/bookbridge/readalong/playback"
)

const maxManifestSize = 4 << 20

// HTTPOptions configures an HTTPService.
type HTTPOptions struct {
	Client            *http.Client
	Timeout           time.Duration
	RequestsPerMinute int              // zero disables rate limiting
	Disk              *cache.DiskCache // optional persistent manifest cache
	Logger            *log.Logger
}

// HTTPService fetches chunk manifests from the asset service at
// {base}/books/{id}/levels/{level}/chunks/{n}?voice={voice}.
type HTTPService struct {
	base    *url.URL
	client  *http.Client
	limiter *rate.Limiter
	disk    *cache.DiskCache
	decoder *Decoder
	logger  *log.Logger
}

// NewHTTPService creates an HTTP asset client.
func NewHTTPService(base string, opts HTTPOptions) (*HTTPService, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse asset url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("asset url %q must be http or https", base)
	}
	decoder, err := NewDecoder()
	if err != nil {
		return nil, err
	}

	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	s := &HTTPService{
		base:    u,
		client:  client,
		disk:    opts.Disk,
		decoder: decoder,
		logger:  logger.WithPrefix("assets"),
	}
	if opts.RequestsPerMinute > 0 {
		s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}
	return s, nil
}

// ChunkURL returns the manifest URL for a request.
func (s *HTTPService) ChunkURL(req playback.AssetRequest) *url.URL {
	u := s.base.JoinPath("books", req.BookID, "levels", string(req.Level), "chunks", strconv.Itoa(req.Chunk))
	if req.VoiceID != "" {
		q := u.Query()
		q.Set("voice", req.VoiceID)
		u.RawQuery = q.Encode()
	}
	return u
}

// Asset implements playback.AssetService.
func (s *HTTPService) Asset(ctx context.Context, req playback.AssetRequest) (*playback.Asset, error) {
	u := s.ChunkURL(req)
	resolve := func(ref string) string {
		r, err := url.Parse(ref)
		if err != nil {
			return ref
		}
		return u.ResolveReference(r).String()
	}

	key := u.String()
	if s.disk != nil {
		if data, ok := s.disk.Get(key); ok {
			asset, err := s.decoder.Decode(data, req.Chunk, resolve)
			if err == nil {
				s.logger.Debug("manifest from disk cache", "chunk", req.Key())
				return asset, nil
			}
			s.disk.Delete(key)
		}
	}

	data, err := s.fetch(ctx, u, req.Chunk)
	if err != nil {
		return nil, err
	}
	asset, err := s.decoder.Decode(data, req.Chunk, resolve)
	if err != nil {
		return nil, err
	}
	if s.disk != nil {
		if err := s.disk.Put(key, data); err != nil {
			s.logger.Warn("failed to cache manifest", "chunk", req.Key(), "err", err)
		}
	}
	return asset, nil
}

func (s *HTTPService) fetch(ctx context.Context, u *url.URL, chunk int) ([]byte, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("rate limit wait cancelled: %w", err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, playback.NewError(playback.KindUnrecoverable, "assets", "request", chunk, err)
	}
	httpReq.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := s.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, playback.Transient(fmt.Errorf("get %s: %w", u.Redacted(), err))
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: %s", playback.ErrNotFound, u.Redacted())
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, playback.Transient(fmt.Errorf("get %s: %s", u.Redacted(), resp.Status))
	default:
		return nil, playback.NewError(playback.KindUnrecoverable, "assets", "fetch", chunk,
			fmt.Errorf("get %s: %s", u.Redacted(), resp.Status))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestSize+1))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, playback.Transient(fmt.Errorf("read manifest: %w", err))
	}
	if len(data) > maxManifestSize {
		return nil, playback.NewError(playback.KindUnrecoverable, "assets", "fetch", chunk,
			fmt.Errorf("%w: larger than %s", ErrInvalidManifest, humanize.Bytes(maxManifestSize)))
	}

	s.logger.Debug("fetched manifest",
		"chunk", chunk,
		"size", humanize.Bytes(uint64(len(data))),
		"took", time.Since(start).Round(time.Millisecond))
	return data, nil
}
