package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"affiliate-reconcile/pkg/config"
	"affiliate-reconcile/pkg/repository"
	"affiliate-reconcile/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func sourceConfig(baseURL string, pageSize int, cache bool) *config.Config {
	cfg := &config.Config{}
	cfg.Source.BaseURL = baseURL
	cfg.Source.Username = "exporter"
	cfg.Source.Password = "secret"
	cfg.Source.PageSize = pageSize
	cfg.Source.MaxRetries = 1
	cfg.Source.RetryWait = time.Millisecond
	cfg.Source.HTTPTimeout = 5 * time.Second
	cfg.Source.CachePages = cache
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config) *Service {
	t.Helper()
	db := testutil.NewTestDB(t, &SourcePage{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.Source.MaxRetries
	client.RetryWaitMin = cfg.Source.RetryWait
	client.RetryWaitMax = cfg.Source.RetryWait
	client.HTTPClient.Timeout = cfg.Source.HTTPTimeout
	client.Logger = nil

	return &Service{
		cfg:    cfg,
		node:   node,
		client: client,
		pages:  repository.ProvideStore[SourcePage](db),
	}
}

func orderJSON(orderID int64) string {
	return fmt.Sprintf(`{
		"order_id": %d,
		"user_email": "Buyer%d@Example.com",
		"affiliate_id": 42,
		"product_id": 13401,
		"grand_total": "999000.00",
		"status": "completed",
		"created_at": "2023-04-12 09:30:00"
	}`, orderID, orderID)
}

// pagedHandler serves orders per_page at a time from a fixed pool.
func pagedHandler(t *testing.T, total int, hits *int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		*hits++

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "exporter", user)
		require.Equal(t, "secret", pass)

		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
		require.Positive(t, page)
		require.Positive(t, perPage)

		start := (page - 1) * perPage
		body := `{"data":[`
		for i := 0; i < perPage && start+i < total; i++ {
			if i > 0 {
				body += ","
			}
			body += orderJSON(int64(start + i + 1))
		}
		body += `]}`
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}
}

func TestFetchOrdersWalksAllPages(t *testing.T) {
	var hits int
	server := httptest.NewServer(pagedHandler(t, 5, &hits))
	defer server.Close()

	svc := newTestService(t, sourceConfig(server.URL, 2, false))

	var got []RawOrder
	failures, err := svc.FetchOrders(context.Background(), func(page int, orders []RawOrder) error {
		got = append(got, orders...)
		return nil
	})
	require.NoError(t, err)
	require.Empty(t, failures)
	require.Len(t, got, 5)

	first := got[0]
	require.Equal(t, int64(1), first.OrderID)
	require.Equal(t, "buyer1@example.com", first.UserEmail)
	require.Equal(t, int64(999_000), first.GrossAmount)
	require.Equal(t, StatusCompleted, first.Status)
	require.Equal(t, time.Date(2023, 4, 12, 9, 30, 0, 0, time.UTC), first.CreatedAt)
}

func TestFetchOrdersShortLastPageTerminates(t *testing.T) {
	var hits int
	server := httptest.NewServer(pagedHandler(t, 3, &hits))
	defer server.Close()

	svc := newTestService(t, sourceConfig(server.URL, 2, false))

	_, err := svc.FetchOrders(context.Background(), func(page int, orders []RawOrder) error {
		return nil
	})
	require.NoError(t, err)
	// Page 2 came back short, so page 3 was never requested.
	require.Equal(t, 2, hits)
}

func TestFetchOrdersServesFromCache(t *testing.T) {
	var hits int
	server := httptest.NewServer(pagedHandler(t, 3, &hits))
	defer server.Close()

	svc := newTestService(t, sourceConfig(server.URL, 2, true))

	_, err := svc.FetchOrders(context.Background(), func(page int, orders []RawOrder) error { return nil })
	require.NoError(t, err)
	firstRun := hits

	// Second run replays entirely from the persisted page cache.
	count := 0
	_, err = svc.FetchOrders(context.Background(), func(page int, orders []RawOrder) error {
		count += len(orders)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, firstRun, hits)
	require.Equal(t, 3, count)
}

func TestFetchOrdersSourceDownIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	svc := newTestService(t, sourceConfig(server.URL, 2, false))

	_, err := svc.FetchOrders(context.Background(), func(page int, orders []RawOrder) error { return nil })
	require.Error(t, err)
}

func TestFetchOrdersMalformedFirstPageIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html>maintenance</html>`)
	}))
	defer server.Close()

	svc := newTestService(t, sourceConfig(server.URL, 2, false))

	_, err := svc.FetchOrders(context.Background(), func(page int, orders []RawOrder) error { return nil })
	require.Error(t, err)
}

func TestFetchOrdersPageCallbackErrorStops(t *testing.T) {
	var hits int
	server := httptest.NewServer(pagedHandler(t, 10, &hits))
	defer server.Close()

	svc := newTestService(t, sourceConfig(server.URL, 2, false))

	boom := fmt.Errorf("downstream full")
	_, err := svc.FetchOrders(context.Background(), func(page int, orders []RawOrder) error {
		if page == 2 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, hits)
}

func TestParseStatus(t *testing.T) {
	require.Equal(t, StatusCompleted, ParseStatus("completed"))
	require.Equal(t, StatusCompleted, ParseStatus("Selesai"))
	require.Equal(t, StatusOnHold, ParseStatus("on hold"))
	require.Equal(t, StatusOnHold, ParseStatus("on-hold"))
	require.Equal(t, StatusCancelled, ParseStatus("cancelled"))
	require.Equal(t, StatusUnknown, ParseStatus("gibberish"))
}

func TestNormalizeGrandTotalVariants(t *testing.T) {
	cases := []struct {
		raw  string
		want int64
	}{
		{`"999000"`, 999_000},
		{`"999000.00"`, 999_000},
		{`999000`, 999_000},
		{`999000.49`, 999_000},
	}
	for _, tc := range cases {
		w := rawOrderWire{}
		payload := fmt.Sprintf(`{"order_id":1,"user_email":"a@b.c","grand_total":%s,"status":"completed","created_at":"2023-04-12 09:30:00"}`, tc.raw)
		require.NoError(t, json.Unmarshal([]byte(payload), &w))
		require.Equal(t, tc.want, w.normalize().GrossAmount, "raw=%s", tc.raw)
	}
}
