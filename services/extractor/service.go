package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"affiliate-reconcile/pkg/config"
	"affiliate-reconcile/pkg/errutil"
	"affiliate-reconcile/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const salesEndpoint = "/sales"

// PageFunc receives one normalized page of orders. Returning an error stops
// further fetching; already-delivered pages stay processed.
type PageFunc func(page int, orders []RawOrder) error

type Service struct {
	cfg    *config.Config
	node   *snowflake.Node
	client *retryablehttp.Client

	pages repository.Repository[SourcePage]
}

type ServiceParams struct {
	fx.In
	Config *config.Config
	DB     *gorm.DB
	Node   *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	client := retryablehttp.NewClient()
	client.RetryMax = p.Config.Source.MaxRetries
	client.RetryWaitMin = p.Config.Source.RetryWait
	client.RetryWaitMax = p.Config.Source.RetryWait * 4
	client.HTTPClient.Timeout = p.Config.Source.HTTPTimeout
	client.Logger = nil

	return &Service{
		cfg:    p.Config,
		node:   p.Node,
		client: client,
		pages:  repository.ProvideStore[SourcePage](p.DB),
	}
}

// FetchOrders walks the paginated sales endpoint and hands each normalized
// page to fn. A page that fails after all retries is recorded as a hard
// failure and skipped; only a malformed first page aborts the run, since that
// means the payload's top-level structure is wrong rather than one page being
// corrupt.
func (s *Service) FetchOrders(ctx context.Context, fn PageFunc) ([]PageFailure, error) {
	var failures []PageFailure

	// Three bad pages in a row means the source is gone, not that three
	// independent pages are corrupt.
	const maxConsecutiveFailures = 3
	consecutive := 0

	perPage := s.cfg.Source.PageSize
	page := 1
	for {
		select {
		case <-ctx.Done():
			return failures, ctx.Err()
		default:
		}

		body, fromCache, err := s.fetchPage(ctx, page)
		if err != nil {
			if page == 1 {
				return failures, errutil.BadGateway("source unreachable", err)
			}
			zap.L().Warn("page fetch failed after retries, skipping",
				zap.Int("page", page), zap.Error(err))
			failures = append(failures, PageFailure{Page: page, Reason: err.Error()})
			consecutive++
			if consecutive >= maxConsecutiveFailures {
				return failures, errutil.BadGateway("source unreachable after retries", err)
			}
			page++
			continue
		}
		consecutive = 0

		var payload salesPage
		if err := json.Unmarshal(body, &payload); err != nil {
			if page == 1 {
				return failures, errutil.Internal("malformed source payload", err)
			}
			zap.L().Warn("malformed page body, skipping",
				zap.Int("page", page), zap.Error(err))
			failures = append(failures, PageFailure{Page: page, Reason: fmt.Sprintf("malformed body: %v", err)})
			page++
			continue
		}

		if len(payload.Data) == 0 {
			break
		}

		orders := make([]RawOrder, 0, len(payload.Data))
		for _, w := range payload.Data {
			orders = append(orders, w.normalize())
		}

		if err := fn(page, orders); err != nil {
			return failures, err
		}

		if len(payload.Data) < perPage {
			break
		}
		page++

		if !fromCache && s.cfg.Source.PageDelay > 0 {
			time.Sleep(s.cfg.Source.PageDelay)
		}
	}

	return failures, nil
}

// fetchPage returns the raw page body, serving from the local cache when the
// page was persisted by a previous run.
func (s *Service) fetchPage(ctx context.Context, page int) ([]byte, bool, error) {
	if s.cfg.Source.CachePages {
		cached, err := s.pages.FindOne(ctx, &SourcePage{Endpoint: salesEndpoint, Page: page})
		if err != nil {
			return nil, false, err
		}
		if cached != nil {
			return cached.Payload, true, nil
		}
	}

	url := fmt.Sprintf("%s%s?per_page=%d&page=%d", s.cfg.Source.BaseURL, salesEndpoint, s.cfg.Source.PageSize, page)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	req.SetBasicAuth(s.cfg.Source.Username, s.cfg.Source.Password)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}

	if s.cfg.Source.CachePages {
		if err := s.pages.Create(ctx, &SourcePage{
			ID:       s.node.Generate().String(),
			Endpoint: salesEndpoint,
			Page:     page,
			Payload:  datatypes.JSON(body),
		}); err != nil {
			// Caching is best-effort; the page was still fetched.
			zap.L().Warn("failed to cache source page", zap.Int("page", page), zap.Error(err))
		}
	}

	return body, false, nil
}
