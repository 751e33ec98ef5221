package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// IPFSConfig points at an IPFS daemon's HTTP API and gateway.
type IPFSConfig struct {
	APIURL     string // e.g. http://127.0.0.1:5001
	GatewayURL string // e.g. http://127.0.0.1:8080
	Timeout    time.Duration
	// consecutive failures before the breaker opens
	MaxFailures uint32
	// how long the breaker stays open before probing again
	OpenTimeout time.Duration
}

// IPFSStore talks to an IPFS daemon. Calls go through a circuit breaker so a
// dead daemon fails fast with ErrStoreUnavailable.
type IPFSStore struct {
	cfg     IPFSConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  zerolog.Logger
}

type addResponse struct {
	Name string `json:"Name"`
	Hash string `json:"Hash"`
	Size string `json:"Size"`
}

func NewIPFSStore(cfg IPFSConfig, logger zerolog.Logger) *IPFSStore {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	cfg.GatewayURL = strings.TrimRight(cfg.GatewayURL, "/")

	s := &IPFSStore{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "ipfs").Logger(),
	}
	s.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "ipfs",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrEmptyContent) || errors.Is(err, ErrFileTooLarge)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return s
}

// Put uploads data through /api/v0/add and returns the CID reported by the daemon.
func (s *IPFSStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := validate(data); err != nil {
		return "", err
	}
	out, err := s.breaker.Execute(func() ([]byte, error) {
		return s.add(ctx, data)
	})
	if err != nil {
		return "", s.mapErr(err)
	}
	return string(out), nil
}

// Get fetches a CID from the gateway.
func (s *IPFSStore) Get(ctx context.Context, id string) ([]byte, error) {
	out, err := s.breaker.Execute(func() ([]byte, error) {
		return s.cat(ctx, id)
	})
	if err != nil {
		return nil, s.mapErr(err)
	}
	return out, nil
}

func (s *IPFSStore) mapErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

func (s *IPFSStore) add(ctx context.Context, data []byte) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "record")
	if err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIURL+"/api/v0/add?pin=true", &body)
	if err != nil {
		return nil, fmt.Errorf("build upload: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: add returned %d: %s", ErrStoreUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var ar addResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, fmt.Errorf("%w: decode add response: %v", ErrStoreUnavailable, err)
	}
	if ar.Hash == "" {
		return nil, fmt.Errorf("%w: add response has no hash", ErrStoreUnavailable)
	}
	s.logger.Debug().Str("cid", ar.Hash).Int("size", len(data)).Msg("content added")
	return []byte(ar.Hash), nil
}

func (s *IPFSStore) cat(ctx context.Context, id string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.GatewayURL+"/ipfs/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("build fetch: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: gateway returned %d", ErrStoreUnavailable, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read content: %v", ErrStoreUnavailable, err)
	}
	if len(data) > MaxFileSize {
		return nil, ErrFileTooLarge
	}
	return data, nil
}

// Ping asks the daemon for its version. Used by the health endpoint.
func (s *IPFSStore) Ping(ctx context.Context) error {
	_, err := s.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIURL+"/api/v0/version", nil)
		if err != nil {
			return nil, err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: version returned %d", ErrStoreUnavailable, resp.StatusCode)
		}
		return nil, nil
	})
	return s.mapErr(err)
}
