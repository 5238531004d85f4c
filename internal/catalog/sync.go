package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Syncer pulls the full product list from the store platform API and refreshes
// the local snapshot. Webhook upserts keep the snapshot fresh between pulls;
// the periodic pull recovers anything a missed webhook dropped.
type Syncer struct {
	store   *Store
	baseURL string
	token   string
	client  *http.Client
}

// NewSyncer creates a syncer against the store API. token may be empty for
// unauthenticated endpoints.
func NewSyncer(store *Store, baseURL, token string) *Syncer {
	return &Syncer{
		store:   store,
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Sync fetches /products and upserts the result. Returns how many products
// were ingested.
func (s *Syncer) Sync(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/products", nil)
	if err != nil {
		return 0, fmt.Errorf("building catalog request: %w", err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetching catalog: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("fetching catalog: unexpected status %d", resp.StatusCode)
	}

	var products []Product
	if err := json.NewDecoder(resp.Body).Decode(&products); err != nil {
		return 0, fmt.Errorf("decoding catalog: %w", err)
	}

	if err := s.store.UpsertBatch(ctx, products); err != nil {
		return 0, err
	}
	log.Info().Int("products", len(products)).Msg("catalog_synced")
	return len(products), nil
}
