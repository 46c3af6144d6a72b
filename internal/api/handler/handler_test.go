package handler

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/line_persona_bot/config"
	"github.com/qs3c/line_persona_bot/internal/pkg/kv"
	"github.com/qs3c/line_persona_bot/internal/pkg/response"
	"github.com/qs3c/line_persona_bot/internal/repository"
	"github.com/qs3c/line_persona_bot/internal/service"
	"github.com/qs3c/line_persona_bot/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testChannelSecret = "channel-secret"
	testStripeSecret  = "whsec_test"
)

func testConfig() *config.Config {
	return &config.Config{
		Store: config.StoreConfig{Driver: "memory"},
		Quota: config.QuotaConfig{
			Timezone:     "Asia/Tokyo",
			Limits:       map[string]int{"free": 3, "tier1": 300, "tier2": 1000, "tier3": 0},
			StatusEvery:  10,
			LowWatermark: 1,
		},
		Broadcast: config.BroadcastConfig{
			Timezone:    "Asia/Tokyo",
			RandomStart: 9,
			RandomEnd:   21,
			RandomRatio: 1,
		},
		Billing: config.BillingConfig{
			StripeWebhookSecret: testStripeSecret,
			Tiers: map[string]config.TierLink{
				"tier1": {URL: "https://buy.stripe.com/t1", PaymentLinkID: "plink_1", Label: "ライト"},
			},
		},
	}
}

type services struct {
	store     kv.Store
	cfg       *config.Config
	line      *testutil.FakeLineClient
	users     *service.UserService
	billing   *service.BillingService
	broadcast *service.BroadcastService
}

func setupServices(t *testing.T) *services {
	t.Helper()

	store, _ := testutil.SetupTestStore(t)
	cfg := testConfig()
	lineClient := testutil.NewFakeLineClient()
	userRepo := repository.NewUserRepository(store)
	subRepo := repository.NewSubscriptionRepository(store)
	dedupRepo := repository.NewDedupRepository(store, time.Hour)
	quota := service.NewQuotaService(store, cfg)

	return &services{
		store: store,
		cfg:   cfg,
		line:  lineClient,
		users: service.NewUserService(userRepo, dedupRepo, repository.NewHistoryRepository(store, time.Hour, 4),
			subRepo, quota, service.NewOnboardingService(cfg), lineClient, cfg),
		billing:   service.NewBillingService(userRepo, subRepo, cfg),
		broadcast: service.NewBroadcastService(userRepo, service.NewTemplateService(dedupRepo), lineClient, cfg),
	}
}

func parseResponse(t *testing.T, w *httptest.ResponseRecorder) response.Response {
	var resp response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func jsonRequest(method, path string, body interface{}) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func lineSignature(body string) string {
	mac := hmac.New(sha256.New, []byte(testChannelSecret))
	mac.Write([]byte(body))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func stripeSignature(payload []byte) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testStripeSecret))
	mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}
