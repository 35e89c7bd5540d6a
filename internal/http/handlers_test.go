package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/coride/internal/cluster"
	"github.com/example/coride/internal/fleet"
	"github.com/example/coride/internal/matcher"
	"github.com/example/coride/internal/models"
	"github.com/example/coride/internal/scoring"
	"github.com/example/coride/internal/storage"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSearcher struct {
	res   models.SearchResult
	err   error
	panic bool
}

func (f *fakeSearcher) Search(ctx context.Context, req models.SearchRequest) (models.SearchResult, error) {
	if f.panic {
		panic("boom")
	}
	if err := req.Validate(); err != nil {
		return models.SearchResult{}, err
	}
	return f.res, f.err
}

type fakeClusters map[string]models.Cluster

func (f fakeClusters) Get(id string) (models.Cluster, bool) {
	c, ok := f[id]
	return c, ok
}

type recordingPublisher struct {
	mu      sync.Mutex
	updates []models.DriverUpdate
}

func (p *recordingPublisher) PublishUpdate(_ context.Context, u models.DriverUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, u)
	return nil
}

const searchBody = `{"origin":{"lat":12.9716,"lng":77.5946},"destination":{"lat":12.9352,"lng":77.6245},"preferences":{"vehicle_type":"Auto","seats_required":1}}`

func emptyResult() models.SearchResult {
	now := time.Now()
	return models.SearchResult{SearchID: "search_x", CreatedAt: now, ExpiresAt: now.Add(5 * time.Minute), Matches: []models.DriverOffer{}}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var b errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return b.ErrorMessage
}

func TestSearchEmptyMatchesIsArray(t *testing.T) {
	s := NewServer(Options{Searcher: &fakeSearcher{res: emptyResult()}}, quiet)
	for _, path := range []string{"/v1/search", "/api/v1/search"} {
		rec := do(t, s, http.MethodPost, path, searchBody)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", path, rec.Code, rec.Body)
		}
		body := rec.Body.String()
		if !strings.Contains(body, `"matches":[]`) || !strings.Contains(body, `"error_message":null`) {
			t.Fatalf("%s: unexpected body %s", path, body)
		}
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Fatalf("missing CORS header")
		}
		if rec.Header().Get("X-Request-ID") == "" {
			t.Fatalf("missing request id")
		}
	}
}

func TestSearchErrors(t *testing.T) {
	cases := []struct {
		name     string
		searcher *fakeSearcher
		body     string
		status   int
		message  string
	}{
		{"bad json", &fakeSearcher{}, `{"origin":`, http.StatusBadRequest, "invalid JSON body"},
		{"missing origin", &fakeSearcher{}, `{"destination":{"lat":1,"lng":1},"preferences":{"seats_required":1}}`, http.StatusBadRequest, "origin is required"},
		{"bad latitude", &fakeSearcher{}, `{"origin":{"lat":95,"lng":1},"destination":{"lat":1,"lng":1},"preferences":{"seats_required":1}}`, http.StatusBadRequest, "latitude"},
		{"unknown vehicle", &fakeSearcher{}, strings.Replace(searchBody, "Auto", "Hovercraft", 1), http.StatusBadRequest, "vehicle_type"},
		{"backend failure", &fakeSearcher{err: errors.New("redis: connection refused")}, searchBody, http.StatusInternalServerError, "internal error"},
		{"panic", &fakeSearcher{panic: true}, searchBody, http.StatusInternalServerError, "internal error"},
	}
	for _, tc := range cases {
		s := NewServer(Options{Searcher: tc.searcher}, quiet)
		rec := do(t, s, http.MethodPost, "/v1/search", tc.body)
		if rec.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.status, rec.Code)
		}
		if msg := errorMessage(t, rec); !strings.Contains(msg, tc.message) {
			t.Fatalf("%s: message %q does not mention %q", tc.name, msg, tc.message)
		}
	}
}

func TestPreflight(t *testing.T) {
	s := NewServer(Options{Searcher: &fakeSearcher{}}, quiet)
	rec := do(t, s, http.MethodOptions, "/v1/search", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Access-Control-Allow-Methods"), "POST") {
		t.Fatalf("unexpected allow-methods %q", rec.Header().Get("Access-Control-Allow-Methods"))
	}
}

func TestHealth(t *testing.T) {
	s := NewServer(Options{}, quiet)
	for _, path := range []string{"/health", "/api/health"} {
		rec := do(t, s, http.MethodGet, path, "")
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || rec.Code != http.StatusOK {
			t.Fatalf("%s: %d %s", path, rec.Code, rec.Body)
		}
		if body["status"] != "OK" {
			t.Fatalf("unexpected status %q", body["status"])
		}
		if _, err := time.Parse(time.RFC3339, body["timestamp"]); err != nil {
			t.Fatalf("timestamp not RFC3339: %v", err)
		}
	}
}

func TestGetSearch(t *testing.T) {
	store := storage.NewMemoryStore()
	res := emptyResult()
	store.SaveSearch(context.Background(), res)
	s := NewServer(Options{Results: store}, quiet)

	rec := do(t, s, http.MethodGet, "/v1/search/"+res.SearchID, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), res.SearchID) {
		t.Fatalf("expected stored result, got %d %s", rec.Code, rec.Body)
	}
	if rec := do(t, s, http.MethodGet, "/v1/search/search_unknown", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGetCluster(t *testing.T) {
	s := NewServer(Options{Clusters: fakeClusters{"cluster_1": {ID: "cluster_1", Seq: 1, Members: []string{"d1", "d2"}}}}, quiet)
	rec := do(t, s, http.MethodGet, "/v1/clusters/cluster_1", "")
	var c models.Cluster
	if err := json.Unmarshal(rec.Body.Bytes(), &c); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body)
	}
	if len(c.Members) != 2 {
		t.Fatalf("unexpected cluster %+v", c)
	}
	if rec := do(t, s, http.MethodGet, "/v1/clusters/cluster_9", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDriverUpdateAndDelete(t *testing.T) {
	reg := fleet.NewRegistry(nil)
	pub := &recordingPublisher{}
	s := NewServer(Options{Fleet: reg, Publisher: pub}, quiet)

	body := `{"driver_id":"d1","vehicle_type":"Cab","available_seats":3,"current_location":{"lat":12.97,"lng":77.59},
		"route_polyline":[{"lat":12.97,"lng":77.59},{"lat":12.93,"lng":77.62}]}`
	if rec := do(t, s, http.MethodPost, "/internal/drivers", body); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d %s", rec.Code, rec.Body)
	}
	if _, ok := reg.Get("d1"); !ok {
		t.Fatalf("driver not applied")
	}
	if rec := do(t, s, http.MethodPost, "/internal/drivers", `{"driver_id":"d2","vehicle_type":"Tank"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodDelete, "/internal/drivers/d1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec := do(t, s, http.MethodDelete, "/internal/drivers/d1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if len(pub.updates) != 2 || !pub.updates[0].Online || pub.updates[1].Online {
		t.Fatalf("unexpected published updates %+v", pub.updates)
	}
	for _, u := range pub.updates {
		if u.UpdatedAt.IsZero() {
			t.Fatalf("published update for %s has no timestamp", u.ID)
		}
	}
	// replaying the feed in order leaves the driver offline
	replica := fleet.NewRegistry(nil)
	for _, u := range pub.updates {
		if _, err := replica.Apply(u); err != nil {
			t.Fatalf("replay: %v", err)
		}
	}
	if _, ok := replica.Get("d1"); ok {
		t.Fatalf("replayed delete did not take the driver offline")
	}
}

func TestSearchEndToEndOverFixtureFleet(t *testing.T) {
	updates, err := fleet.LoadSeedFile("../../fixtures/fleet.yaml")
	if err != nil {
		t.Fatalf("load fixture: %v", err)
	}
	reg := fleet.NewRegistry(nil)
	reg.Seed(updates)
	scorer := scoring.NewScorer(scoring.DefaultConfig())
	clusters := cluster.NewRegistry()
	reg.OnLeave(clusters.Leave)
	store := storage.NewMemoryStore()
	svc := &matcher.Service{
		Fleet:     reg,
		Scorer:    scorer,
		Clusterer: cluster.NewAssigner(cluster.DefaultConfig(), scorer.Overlap, clusters),
		Store:     store,
		Logger:    quiet,
	}
	s := NewServer(Options{Searcher: svc, Results: store, Fleet: reg, Clusters: clusters}, quiet)

	rec := do(t, s, http.MethodPost, "/v1/search", searchBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rec.Code, rec.Body)
	}
	var res models.SearchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Matches) != 2 {
		t.Fatalf("expected driver_001 and driver_003, got %+v", res.Matches)
	}
	for _, m := range res.Matches {
		if m.DriverID == "driver_002" {
			t.Fatalf("Cab returned for an Auto search")
		}
		if m.ClusterID == nil {
			t.Fatalf("%s has no cluster", m.DriverID)
		}
		if rec := do(t, s, http.MethodGet, "/v1/clusters/"+*m.ClusterID, ""); rec.Code != http.StatusOK {
			t.Fatalf("cluster %s not served: %d", *m.ClusterID, rec.Code)
		}
	}
	if rec := do(t, s, http.MethodGet, "/v1/search/"+res.SearchID, ""); rec.Code != http.StatusOK {
		t.Fatalf("search %s not retrievable: %d", res.SearchID, rec.Code)
	}
}

func TestSearchOverWebSocket(t *testing.T) {
	s := NewServer(Options{Searcher: &fakeSearcher{res: emptyResult()}}, quiet)
	ts := httptest.NewServer(s)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/search/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v (resp=%v)", err, resp)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteMessage(websocket.TextMessage, []byte(searchBody)); err != nil {
		t.Fatalf("write: %v", err)
	}
	var res models.SearchResult
	if err := conn.ReadJSON(&res); err != nil {
		t.Fatalf("read: %v", err)
	}
	if res.SearchID != "search_x" || res.Matches == nil {
		t.Fatalf("unexpected result %+v", res)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"origin":{"lat":1,"lng":1}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	var eb errorBody
	if err := conn.ReadJSON(&eb); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(eb.ErrorMessage, "destination") {
		t.Fatalf("unexpected error frame %+v", eb)
	}
}

func TestRouteTemplateUsedForMetrics(t *testing.T) {
	s := NewServer(Options{Results: storage.NewMemoryStore()}, quiet)
	req := httptest.NewRequest(http.MethodGet, "/v1/search/abc", nil)
	var seen string
	s.mux.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = routeTemplate(r)
			next.ServeHTTP(w, r)
		})
	})
	s.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "/v1/search/{search_id}" {
		t.Fatalf("unexpected route template %q", seen)
	}
	if got := remoteIP(&http.Request{Header: http.Header{"X-Forwarded-For": {"10.0.0.1, 10.0.0.2"}}}); got != "10.0.0.1" {
		t.Fatalf("unexpected remote ip %q", got)
	}
}

// gatedSearcher blocks every search until release is closed and records
// the peak number of searches running at once.
type gatedSearcher struct {
	release chan struct{}
	mu      sync.Mutex
	running int
	peak    int
}

func (g *gatedSearcher) Search(ctx context.Context, _ models.SearchRequest) (models.SearchResult, error) {
	g.mu.Lock()
	g.running++
	if g.running > g.peak {
		g.peak = g.running
	}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.running--
		g.mu.Unlock()
	}()
	select {
	case <-g.release:
		return emptyResult(), nil
	case <-ctx.Done():
		return models.SearchResult{}, ctx.Err()
	}
}

func (g *gatedSearcher) stats() (running, peak int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running, g.peak
}

func TestWebSocketBoundsConcurrentSearches(t *testing.T) {
	gs := &gatedSearcher{release: make(chan struct{})}
	ts := httptest.NewServer(NewServer(Options{Searcher: gs}, quiet))
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/search/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	const frames = 3 * maxInFlightFrames
	for i := 0; i < frames; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(searchBody)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if running, _ := gs.stats(); running == maxInFlightFrames {
			break
		}
		if time.Now().After(deadline) {
			running, _ := gs.stats()
			t.Fatalf("expected %d searches in flight, got %d", maxInFlightFrames, running)
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if _, peak := gs.stats(); peak > maxInFlightFrames {
		t.Fatalf("%d searches ran at once, limit is %d", peak, maxInFlightFrames)
	}

	close(gs.release)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 0; i < frames; i++ {
		var res models.SearchResult
		if err := conn.ReadJSON(&res); err != nil {
			t.Fatalf("read reply %d: %v", i, err)
		}
	}
	if _, peak := gs.stats(); peak > maxInFlightFrames {
		t.Fatalf("%d searches ran at once, limit is %d", peak, maxInFlightFrames)
	}
}
