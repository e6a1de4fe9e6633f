package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"evmarket/web/internal/config"
	"evmarket/web/internal/payments/oracle"
	"evmarket/web/internal/reconcile"
	"evmarket/web/internal/session"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-chi/chi/v5"
)

// blockingOracle accepts the manual-complete write and then never answers a
// status poll, so sessions stay in pending until they are torn down.
type blockingOracle struct {
	mu     sync.Mutex
	writes int
}

func (o *blockingOracle) Status(ctx context.Context, _, _ string) (oracle.StatusResponse, error) {
	<-ctx.Done()
	return oracle.StatusResponse{}, ctx.Err()
}

func (o *blockingOracle) ManualComplete(context.Context, string, oracle.ManualCompleteRequest) error {
	o.mu.Lock()
	o.writes++
	o.mu.Unlock()
	return nil
}

// completedOracle reports every order as completed.
type completedOracle struct{}

func (completedOracle) Status(context.Context, string, string) (oracle.StatusResponse, error) {
	return oracle.StatusResponse{Success: true, Data: &oracle.StatusData{Status: oracle.StatusCompleted}}, nil
}

func (completedOracle) ManualComplete(context.Context, string, oracle.ManualCompleteRequest) error {
	return nil
}

func instantSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// stalledSleep never finishes a wait, so a countdown stays on its first value.
func stalledSleep(ctx context.Context, _ time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

func newTestServer(t *testing.T, rateLimit int) *httptest.Server {
	t.Helper()
	return newTestServerWith(t, rateLimit, &blockingOracle{}, instantSleep)
}

func newTestServerWith(t *testing.T, rateLimit int, o reconcile.Oracle, sleep func(context.Context, time.Duration) error) *httptest.Server {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{LandingURL: "/market", CallbackRateLimit: rateLimit}
	sessions := session.NewManager(o, session.Config{LandingURL: cfg.LandingURL}, nil, logger, reconcile.WithSleeper(sleep))
	h := New(sessions, cfg, logger)

	r := chi.NewRouter()
	h.RegisterPaymentRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		_ = sessions.Shutdown(context.Background())
	})
	return srv
}

func getPage(t *testing.T, client *http.Client, url string) (*http.Response, *goquery.Document) {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		t.Fatalf("parse page: %v", err)
	}
	return resp, doc
}

func sessionURL(t *testing.T, doc *goquery.Document) string {
	t.Helper()
	url, ok := doc.Find("#status").Attr("data-session-url")
	if !ok || !strings.HasPrefix(url, "/payments/sessions/") {
		t.Fatalf("page has no session url: %q", url)
	}
	return url
}

// TestPaymentCallbackRendersGatewayFailure verifies a declined callback
// renders the failure immediately with the gateway message.
func TestPaymentCallbackRendersGatewayFailure(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 0)
	resp, doc := getPage(t, srv.Client(), srv.URL+"/payments/momo/callback?orderId=ORD1&resultCode=1006&message=Card+declined")

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if state, _ := doc.Find("#status").Attr("data-state"); state != "failed" {
		t.Fatalf("data-state = %q, want failed", state)
	}
	if got := strings.TrimSpace(doc.Find("#heading").Text()); got != "Payment failed" {
		t.Fatalf("heading = %q", got)
	}
	if got := strings.TrimSpace(doc.Find("#detail").Text()); got != "Card declined" {
		t.Fatalf("detail = %q", got)
	}
	if _, hidden := doc.Find("#home").Attr("hidden"); hidden {
		t.Fatalf("terminal page should show the landing link")
	}
	if href, _ := doc.Find("#home").Attr("href"); href != "/market" {
		t.Fatalf("landing href = %q", href)
	}
}

// TestPaymentCallbackEscapesMessage verifies gateway text cannot inject markup.
func TestPaymentCallbackEscapesMessage(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 0)
	_, doc := getPage(t, srv.Client(), srv.URL+"/payments/momo/callback?orderId=ORD1&resultCode=9&message=%3Cscript%3Ealert(1)%3C%2Fscript%3E")

	if doc.Find("#detail script").Length() != 0 {
		t.Fatalf("message was rendered as markup")
	}
	if got := doc.Find("#detail").Text(); got != "<script>alert(1)</script>" {
		t.Fatalf("detail = %q", got)
	}
}

// TestSessionLifecycle verifies the snapshot, supersede and teardown routes.
func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 0)
	client := srv.Client()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	client.Jar = jar

	resp, doc := getPage(t, client, srv.URL+"/payments/momo/callback?orderId=ORD1&resultCode=0&amount=150000")
	if state, _ := doc.Find("#status").Attr("data-state"); state != "pending" {
		t.Fatalf("data-state = %q, want pending", state)
	}
	if len(resp.Cookies()) == 0 || resp.Cookies()[0].Name != viewCookieName {
		t.Fatalf("view cookie not set")
	}
	first := sessionURL(t, doc)

	var view map[string]any
	getJSON(t, client, srv.URL+first, http.StatusOK, &view)
	if view["state"] != "pending" || view["orderId"] != "ORD1" || view["heading"] != "Processing your payment" {
		t.Fatalf("unexpected snapshot: %v", view)
	}

	retry, err := client.Post(srv.URL+first+"/retry", "application/json", nil)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	retry.Body.Close()
	if retry.StatusCode != http.StatusConflict {
		t.Fatalf("retry while pending = %d, want 409", retry.StatusCode)
	}

	_, doc = getPage(t, client, srv.URL+"/payments/momo/callback?orderId=ORD2&resultCode=0")
	second := sessionURL(t, doc)
	if second == first {
		t.Fatalf("second callback reused the session")
	}
	getJSON(t, client, srv.URL+first, http.StatusNotFound, nil)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+second, nil)
	del, err := client.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Fatalf("delete = %d, want 204", del.StatusCode)
	}
	getJSON(t, client, srv.URL+second, http.StatusNotFound, nil)
}

// TestCompletedSessionWaitsForRedirect verifies a completed session reports its
// countdown before redirectTo is set and the page only stops on other terminal states.
func TestCompletedSessionWaitsForRedirect(t *testing.T) {
	t.Parallel()

	srv := newTestServerWith(t, 0, completedOracle{}, stalledSleep)
	client := srv.Client()

	_, doc := getPage(t, client, srv.URL+"/payments/momo/callback?orderId=ORD1&amount=150000")
	if script := doc.Find("script").Text(); !strings.Contains(script, `view.terminal && view.state !== "completed"`) {
		t.Fatalf("page stops polling on completed sessions")
	}
	url := srv.URL + sessionURL(t, doc)

	var view map[string]any
	deadline := time.Now().Add(2 * time.Second)
	for {
		view = map[string]any{}
		getJSON(t, client, url, http.StatusOK, &view)
		if view["state"] == "completed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never completed: %v", view)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if view["countdown"] != float64(reconcile.CountdownSeconds) {
		t.Fatalf("countdown = %v, want %d", view["countdown"], reconcile.CountdownSeconds)
	}
	if _, ok := view["redirectTo"]; ok {
		t.Fatalf("redirectTo set before the countdown finished: %v", view)
	}
}

// TestPaymentCallbackRateLimited verifies callback hits are limited per client.
func TestPaymentCallbackRateLimited(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, 1)
	url := srv.URL + "/payments/momo/callback?orderId=ORD1&resultCode=1"
	first, err := srv.Client().Get(url)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	first.Body.Close()
	second, err := srv.Client().Get(url)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	second.Body.Close()
	if first.StatusCode != http.StatusOK || second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("statuses = %d/%d", first.StatusCode, second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
}

func TestFormatAmount(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"150000":  "150,000",
		"1500000": "1,500,000",
		"999":     "999",
		"12.50":   "12.50",
	}
	for in, want := range cases {
		if got := formatAmount(in); got != want {
			t.Fatalf("formatAmount(%q) = %q, want %q", in, got, want)
		}
	}
}

func getJSON(t *testing.T, client *http.Client, url string, wantStatus int, out any) {
	t.Helper()
	resp, err := client.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
}
