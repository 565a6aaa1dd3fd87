package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// memoryRedis 只实现 Cached 用到的 Get/Set，其余方法调用时会 panic。
type memoryRedis struct {
	redis.UniversalClient

	mu     sync.Mutex
	data   map[string]string
	ttls   map[string]time.Duration
	getErr error
	setErr error
}

func newMemoryRedis() *memoryRedis {
	return &memoryRedis{data: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (m *memoryRedis) Get(_ context.Context, key string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return redis.NewStringResult("", m.getErr)
	}
	value, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(value, nil)
}

func (m *memoryRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return redis.NewStatusResult("", m.setErr)
	}
	switch v := value.(type) {
	case []byte:
		m.data[key] = string(v)
	case string:
		m.data[key] = v
	}
	m.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (m *memoryRedis) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.data))
	for k := range m.data {
		out = append(out, k)
	}
	return out
}

type scriptedProvider struct {
	calls   int
	results []Result
	err     error
}

func (c *scriptedProvider) Name() string { return "scripted" }

func (c *scriptedProvider) Search(_ context.Context, query string, limit int) ([]Result, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.results, nil
}

func TestCachedSearchMissThenHit(t *testing.T) {
	rdb := newMemoryRedis()
	next := &scriptedProvider{results: []Result{{Title: "Moon", URL: "https://a.example/moon", Query: "tides"}}}
	cached := NewCached(next, rdb, time.Minute, "test")

	first, err := cached.Search(context.Background(), "Tides", 3)
	if err != nil {
		t.Fatalf("first search: %v", err)
	}
	second, err := cached.Search(context.Background(), "  tides ", 3)
	if err != nil {
		t.Fatalf("second search: %v", err)
	}
	if next.calls != 1 {
		t.Fatalf("second lookup should be served from cache, provider calls=%d", next.calls)
	}
	if len(second) != 1 || second[0] != first[0] {
		t.Fatalf("cached results differ: %+v vs %+v", second, first)
	}

	keys := rdb.keys()
	if len(keys) != 1 || rdb.ttls[keys[0]] != time.Minute {
		t.Fatalf("unexpected cache entries: %v %v", keys, rdb.ttls)
	}
	if cached.Name() != "scripted" {
		t.Fatalf("name should come from the wrapped provider, got %q", cached.Name())
	}

	if _, err := cached.Search(context.Background(), "tides", 5); err != nil {
		t.Fatalf("search with other limit: %v", err)
	}
	if next.calls != 2 {
		t.Fatalf("limit is part of the cache key, provider calls=%d", next.calls)
	}
}

func TestCachedSearchFallsBackOnCorruptEntry(t *testing.T) {
	rdb := newMemoryRedis()
	next := &scriptedProvider{results: []Result{{Title: "Sun", URL: "https://b.example/sun"}}}
	cached := NewCached(next, rdb, 0, "")
	rdb.data[cached.key("tides", 2)] = "{not json"

	results, err := cached.Search(context.Background(), "tides", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if next.calls != 1 || len(results) != 1 || results[0].URL != "https://b.example/sun" {
		t.Fatalf("corrupt entry should fall back to provider: calls=%d results=%+v", next.calls, results)
	}
	if rdb.data[cached.key("tides", 2)] == "{not json" {
		t.Fatalf("corrupt entry should be overwritten")
	}
	if rdb.ttls[cached.key("tides", 2)] != time.Hour {
		t.Fatalf("default ttl not applied: %v", rdb.ttls)
	}
}

func TestCachedSearchSurvivesRedisFailure(t *testing.T) {
	rdb := newMemoryRedis()
	rdb.getErr = errors.New("connection refused")
	rdb.setErr = errors.New("connection refused")
	next := &scriptedProvider{results: []Result{{URL: "https://c.example"}}}
	cached := NewCached(next, rdb, time.Minute, "test")

	results, err := cached.Search(context.Background(), "tides", 2)
	if err != nil || len(results) != 1 {
		t.Fatalf("redis failure should not break search: %v %+v", err, results)
	}

	next.err = errors.New("upstream down")
	if _, err := cached.Search(context.Background(), "eclipse", 2); err == nil {
		t.Fatalf("provider error should propagate")
	}
	if len(rdb.keys()) != 0 {
		t.Fatalf("nothing should be cached: %v", rdb.keys())
	}
}
