package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// fakeProvider answers lookups from a map and counts calls.
type fakeProvider struct {
	mu        sync.Mutex
	locations map[string]string
	err       error
	calls     int
}

func (p *fakeProvider) Lookup(ctx context.Context, username string) (*string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	if loc, ok := p.locations[strings.ToLower(username)]; ok {
		return &loc, nil
	}
	return nil, nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fixture struct {
	srv      *httptest.Server
	storage  *RedisStorage
	provider *fakeProvider
	mr       *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	storage := NewRedisStorageFromClient(client)
	provider := &fakeProvider{locations: map[string]string{}}

	s := New(Config{Storage: storage, Provider: provider})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, storage: storage, provider: provider, mr: mr}
}

func (f *fixture) check(t *testing.T, key string) (*http.Response, checkResponse) {
	t.Helper()

	resp, err := http.Get(f.srv.URL + "/check?a=" + key)
	if err != nil {
		t.Fatalf("GET /check: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var body checkResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode /check response: %v", err)
		}
	}
	return resp, body
}

func (f *fixture) add(t *testing.T, payload string) *http.Response {
	t.Helper()

	resp, err := http.Post(f.srv.URL+"/add", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("POST /add: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServer_CheckBlankKey(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.check(t, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400 for blank key, got %d", resp.StatusCode)
	}

	resp, err := http.Get(f.srv.URL + "/check?a=%20%20")
	if err != nil {
		t.Fatalf("GET /check: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400 for whitespace key, got %d", resp.StatusCode)
	}
}

func TestServer_CheckMissConsultsProvider(t *testing.T) {
	f := newFixture(t)
	f.provider.locations["bob"] = "France"

	resp, body := f.check(t, "bob")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if body.Cached {
		t.Error("Expected cached=false on a provider consult")
	}
	if body.Value == nil || *body.Value != "France" {
		t.Errorf("Expected France, got %v", body.Value)
	}

	// The outcome is stored; the next check serves it without the provider.
	resp, body = f.check(t, "bob")
	if resp.StatusCode != http.StatusOK || !body.Cached {
		t.Fatalf("Expected cached answer, got status %d cached %v", resp.StatusCode, body.Cached)
	}
	if f.provider.callCount() != 1 {
		t.Errorf("Expected 1 provider call, got %d", f.provider.callCount())
	}
}

func TestServer_CheckNormalizesProviderValue(t *testing.T) {
	f := newFixture(t)
	f.provider.locations["bob"] = "USA"

	_, body := f.check(t, "bob")
	if body.Value == nil || *body.Value != "United States" {
		t.Errorf("Expected canonical United States, got %v", body.Value)
	}
}

func TestServer_CheckStoresAbsent(t *testing.T) {
	f := newFixture(t)

	resp, body := f.check(t, "ghost")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if body.Value != nil {
		t.Errorf("Expected null value, got %v", *body.Value)
	}

	// Absent is a stored answer: the next check is served from storage.
	_, body = f.check(t, "ghost")
	if !body.Cached || body.Value != nil {
		t.Errorf("Expected cached absent answer, got cached=%v value=%v", body.Cached, body.Value)
	}
	if f.provider.callCount() != 1 {
		t.Errorf("Expected 1 provider call, got %d", f.provider.callCount())
	}
}

func TestServer_CheckStaleRecordRefetches(t *testing.T) {
	f := newFixture(t)
	f.provider.locations["bob"] = "Japan"

	// A record past the freshness window forces a provider consult.
	old := time.Now().UTC().Add(-8 * 24 * time.Hour)
	if err := f.storage.Put(context.Background(), "bob", Record{Value: "France", FetchedAt: old}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	_, body := f.check(t, "bob")
	if body.Cached {
		t.Error("Expected stale record to read as uncached")
	}
	if body.Value == nil || *body.Value != "Japan" {
		t.Errorf("Expected refetched Japan, got %v", body.Value)
	}
	if f.provider.callCount() != 1 {
		t.Errorf("Expected 1 provider call, got %d", f.provider.callCount())
	}
}

func TestServer_CheckProviderFailure(t *testing.T) {
	f := newFixture(t)
	f.provider.err = errors.New("provider exploded")

	resp, _ := f.check(t, "bob")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("Expected 502 on provider failure, got %d", resp.StatusCode)
	}
}

func TestServer_CheckUnrecognizedProviderValue(t *testing.T) {
	f := newFixture(t)
	f.provider.locations["bob"] = "Planet Mars"

	resp, _ := f.check(t, "bob")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("Expected 502 for a value outside the vocabulary, got %d", resp.StatusCode)
	}
}

func TestServer_CheckKeyIsCaseInsensitive(t *testing.T) {
	f := newFixture(t)
	f.provider.locations["bob"] = "France"

	f.check(t, "Bob")
	_, body := f.check(t, "BOB")

	if !body.Cached {
		t.Error("Expected case variants to share one stored record")
	}
	if f.provider.callCount() != 1 {
		t.Errorf("Expected 1 provider call, got %d", f.provider.callCount())
	}
}

func TestServer_Add(t *testing.T) {
	f := newFixture(t)

	resp := f.add(t, `{"key": "bob", "value": "France"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}

	// The write-back is now served to /check without a provider consult.
	_, body := f.check(t, "bob")
	if !body.Cached || body.Value == nil || *body.Value != "France" {
		t.Errorf("Expected cached France, got cached=%v value=%v", body.Cached, body.Value)
	}
	if f.provider.callCount() != 0 {
		t.Errorf("Expected no provider call, got %d", f.provider.callCount())
	}
}

func TestServer_AddNormalizesAlias(t *testing.T) {
	f := newFixture(t)

	f.add(t, `{"key": "bob", "value": "USA"}`)

	_, body := f.check(t, "bob")
	if body.Value == nil || *body.Value != "United States" {
		t.Errorf("Expected canonical United States, got %v", body.Value)
	}
}

func TestServer_AddRejectsBlankKey(t *testing.T) {
	f := newFixture(t)

	resp := f.add(t, `{"key": "  ", "value": "France"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestServer_AddRejectsUnknownValue(t *testing.T) {
	f := newFixture(t)

	resp := f.add(t, `{"key": "bob", "value": "Atlantis"}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d", resp.StatusCode)
	}
}

func TestServer_AddRejectsMalformedBody(t *testing.T) {
	f := newFixture(t)

	resp := f.add(t, `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", resp.StatusCode)
	}
}

func TestServer_Healthcheck(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.srv.URL + "/healthcheck")
	if err != nil {
		t.Fatalf("GET /healthcheck: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Storage != "available" {
		t.Errorf("Unexpected health body: %+v", body)
	}
}

func TestServer_HealthcheckStorageDown(t *testing.T) {
	f := newFixture(t)
	f.mr.Close()

	resp, err := http.Get(f.srv.URL + "/healthcheck")
	if err != nil {
		t.Fatalf("GET /healthcheck: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503 with storage down, got %d", resp.StatusCode)
	}
}
