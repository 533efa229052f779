package catalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/router-for-me/AnotherChat/internal/metrics"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	defaultModelsURL      = "https://models.dev/api.json"
	defaultSyncInterval   = 30 * time.Minute
	defaultRequestTimeout = 15 * time.Second
	maxPayloadBytes       = 32 << 20
)

// Syncer keeps the catalog synced with models.dev for the registered providers.
type Syncer struct {
	db        *gorm.DB
	url       string
	interval  time.Duration
	providers []string
	client    *http.Client
	now       func() time.Time
}

// NewSyncer constructs a catalog syncer. Empty url or interval fall back to defaults.
func NewSyncer(db *gorm.DB, url string, interval time.Duration, providers []string) *Syncer {
	if db == nil {
		return nil
	}
	if strings.TrimSpace(url) == "" {
		url = defaultModelsURL
	}
	if interval <= 0 {
		interval = defaultSyncInterval
	}
	return &Syncer{
		db:        db,
		url:       url,
		interval:  interval,
		providers: providers,
		client:    &http.Client{Timeout: defaultRequestTimeout},
		now:       time.Now,
	}
}

// Start runs the sync loop in the background.
func (s *Syncer) Start(ctx context.Context) {
	if s == nil {
		return
	}
	go s.run(ctx)
	log.Infof("catalog syncer started (interval=%s)", s.interval)
}

func (s *Syncer) run(ctx context.Context) {
	if err := s.SyncOnce(ctx); err != nil {
		log.WithError(err).Warn("catalog syncer: initial sync failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SyncOnce(ctx); err != nil {
				log.WithError(err).Warn("catalog syncer: sync failed")
			}
		}
	}
}

// SyncOnce fetches and persists the latest models payload.
func (s *Syncer) SyncOnce(ctx context.Context) (err error) {
	defer func() { metrics.ObserveCatalogSync(err) }()
	if s == nil || s.db == nil {
		return fmt.Errorf("catalog syncer: nil db")
	}
	url := strings.TrimSpace(s.url)
	if url == "" {
		return fmt.Errorf("catalog syncer: empty url")
	}
	client := s.client
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	clock := s.now
	if clock == nil {
		clock = time.Now
	}

	requestCtx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("catalog syncer: build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("catalog syncer: request failed: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.WithError(errClose).Warn("catalog syncer: close response body failed")
		}
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("catalog syncer: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return fmt.Errorf("catalog syncer: read response: %w", err)
	}

	entries, err := ParseModelsPayload(body, s.providers)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("catalog syncer: no entries for providers %v", s.providers)
	}

	return StoreEntries(ctx, s.db, entries, clock().UTC())
}
