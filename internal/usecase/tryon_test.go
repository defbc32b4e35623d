package usecase

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/tryon-gateway/internal/inference"
	"github.com/example/tryon-gateway/internal/logging"
	"github.com/example/tryon-gateway/internal/repository"
	"github.com/example/tryon-gateway/internal/storage"
)

var fakePNG = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, 0x01}

type stubRepository struct {
	mu        sync.Mutex
	savedLogs []*repository.TryOnLog
	saveErr   error
	findLog   *repository.TryOnLog
	findErr   error
	findCalls int
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.TryOnLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByResultID(ctx context.Context, resultID string) (*repository.TryOnLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	return &repository.MetricsAggregation{TotalCount: 4, SuccessCount: 3, AverageLatencyMs: 250}, nil
}

type stubClient struct {
	data     []byte
	err      error
	requests []inference.Request
	mu       sync.Mutex
}

func (s *stubClient) TryOn(ctx context.Context, req inference.Request) ([]byte, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	for _, path := range []string{req.PersonPath, req.GarmentPath} {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.data, nil
}

func newTestStore(t *testing.T) *storage.FileStore {
	t.Helper()
	root := t.TempDir()
	store, err := storage.NewFileStore(filepath.Join(root, "temp"), filepath.Join(root, "results"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client), mr
}

func input(seed float64, randomize bool) TryOnInput {
	return TryOnInput{
		Person:        strings.NewReader("person"),
		Garment:       strings.NewReader("garment"),
		Seed:          seed,
		RandomizeSeed: randomize,
	}
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	return len(entries)
}

func TestRunTryOnStoresResultAndRecordsHistory(t *testing.T) {
	store := newTestStore(t)
	repo := &stubRepository{}
	client := &stubClient{data: fakePNG}
	uc := NewTryOnUseCase(store, client, repo, nil, zap.NewNop(), Settings{})

	ctx := logging.ContextWithRequestID(context.Background(), "req-1")
	out, err := uc.RunTryOn(ctx, input(5, false))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if out.RequestID != "req-1" {
		t.Fatalf("expected request id to come from context, got %s", out.RequestID)
	}
	if out.ResultID == "" || out.ResultID == out.RequestID {
		t.Fatalf("expected a server-assigned result id, got %q", out.ResultID)
	}
	data, err := os.ReadFile(out.ResultPath)
	if err != nil || string(data) != string(fakePNG) {
		t.Fatalf("unexpected result file content: %v", err)
	}

	if len(client.requests) != 1 {
		t.Fatalf("expected one inference call, got %d", len(client.requests))
	}
	req := client.requests[0]
	if req.Seed != 5 || req.RandomizeSeed {
		t.Fatalf("unexpected parameters forwarded: %+v", req)
	}
	if !strings.HasPrefix(filepath.Base(req.PersonPath), storage.PersonPrefix+"_") ||
		!strings.HasPrefix(filepath.Base(req.GarmentPath), storage.GarmentPrefix+"_") {
		t.Fatalf("unexpected temp names: %+v", req)
	}

	if len(repo.savedLogs) != 1 || repo.savedLogs[0].Status != repository.StatusSucceeded ||
		repo.savedLogs[0].ResultID != out.ResultID || repo.savedLogs[0].RequestID != "req-1" {
		t.Fatalf("expected a succeeded log, got %+v", repo.savedLogs)
	}
	if got := countFiles(t, store.TempDir()); got != 0 {
		t.Fatalf("expected temp uploads to be removed, found %d files", got)
	}
}

func TestRunTryOnKeepsTempUploadsWhenConfigured(t *testing.T) {
	store := newTestStore(t)
	uc := NewTryOnUseCase(store, &stubClient{data: fakePNG}, nil, nil, zap.NewNop(), Settings{KeepTempUploads: true})

	if _, err := uc.RunTryOn(context.Background(), input(0, true)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := countFiles(t, store.TempDir()); got != 2 {
		t.Fatalf("expected both temp uploads to remain, found %d", got)
	}
}

func TestRunTryOnFailureIsRecordedAndPropagated(t *testing.T) {
	store := newTestStore(t)
	repo := &stubRepository{}
	missing := &fs.PathError{Op: "download", Path: "/tmp/out.png", Err: fs.ErrNotExist}
	uc := NewTryOnUseCase(store, &stubClient{err: missing}, repo, nil, zap.NewNop(), Settings{})

	_, err := uc.RunTryOn(context.Background(), input(0, true))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
	if len(repo.savedLogs) != 1 || repo.savedLogs[0].Status != repository.StatusFailed || repo.savedLogs[0].Error == "" {
		t.Fatalf("expected failed log with error, got %+v", repo.savedLogs)
	}
	if got := countFiles(t, store.ResultDir()); got != 0 {
		t.Fatalf("expected no result file, found %d", got)
	}
	if got := countFiles(t, store.TempDir()); got != 0 {
		t.Fatalf("expected temp uploads removed after failure, found %d", got)
	}
}

func TestRunTryOnIgnoresHistoryFailures(t *testing.T) {
	repo := &stubRepository{saveErr: errors.New("db down")}
	uc := NewTryOnUseCase(newTestStore(t), &stubClient{data: fakePNG}, repo, nil, zap.NewNop(), Settings{})

	if _, err := uc.RunTryOn(context.Background(), input(0, true)); err != nil {
		t.Fatalf("expected history failure to be swallowed, got %v", err)
	}
}

func TestConcurrentRunsProduceDistinctResults(t *testing.T) {
	store := newTestStore(t)
	uc := NewTryOnUseCase(store, &stubClient{data: fakePNG}, nil, nil, zap.NewNop(), Settings{})

	const n = 8
	paths := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := uc.RunTryOn(context.Background(), input(0, true))
			if err != nil {
				t.Errorf("run failed: %v", err)
				return
			}
			paths <- out.ResultPath
		}()
	}
	wg.Wait()
	close(paths)

	seen := map[string]bool{}
	for path := range paths {
		if seen[path] {
			t.Fatalf("duplicate result path %s", path)
		}
		seen[path] = true
	}
	if len(seen) != n || countFiles(t, store.ResultDir()) != n {
		t.Fatalf("expected %d distinct result files, got %d", n, len(seen))
	}
}

func TestLookupResultUsesCache(t *testing.T) {
	cache, mr := newRedisCache(t)
	repo := &stubRepository{}
	uc := NewTryOnUseCase(newTestStore(t), &stubClient{data: fakePNG}, repo, cache, zap.NewNop(), Settings{ResultTTL: time.Hour})

	out, err := uc.RunTryOn(context.Background(), input(0, true))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ttl := mr.TTL(resultCacheKey(out.ResultID)); ttl != time.Hour {
		t.Fatalf("expected cache ttl of 1h, got %s", ttl)
	}

	path, err := uc.LookupResult(context.Background(), out.ResultID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if path != out.ResultPath {
		t.Fatalf("expected %s, got %s", out.ResultPath, path)
	}
	if repo.findCalls != 0 {
		t.Fatalf("expected cache hit to skip repository, got %d calls", repo.findCalls)
	}
}

func TestRepeatedRequestIDKeepsResultsApart(t *testing.T) {
	cache, _ := newRedisCache(t)
	store := newTestStore(t)
	client := &stubClient{}
	uc := NewTryOnUseCase(store, client, &stubRepository{}, cache, zap.NewNop(), Settings{ResultTTL: time.Hour})
	ctx := logging.ContextWithRequestID(context.Background(), "shared-id")

	client.data = []byte("first")
	first, err := uc.RunTryOn(ctx, input(0, true))
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	client.data = []byte("second")
	second, err := uc.RunTryOn(ctx, input(0, true))
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if first.ResultID == second.ResultID {
		t.Fatalf("expected distinct result ids, got %s twice", first.ResultID)
	}

	for _, out := range []*TryOnOutput{first, second} {
		path, err := uc.LookupResult(context.Background(), out.ResultID)
		if err != nil {
			t.Fatalf("lookup %s failed: %v", out.ResultID, err)
		}
		if path != out.ResultPath {
			t.Fatalf("lookup %s returned %s, expected %s", out.ResultID, path, out.ResultPath)
		}
	}
	data, err := os.ReadFile(first.ResultPath)
	if err != nil || string(data) != "first" {
		t.Fatalf("first result was overwritten: %q %v", data, err)
	}
	if _, err := uc.LookupResult(context.Background(), "shared-id"); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected caller request id to resolve nothing, got %v", err)
	}
}

func TestLookupResultFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	cache, _ := newRedisCache(t)
	store := newTestStore(t)
	resultPath, err := store.SaveResult(fakePNG)
	if err != nil {
		t.Fatal(err)
	}
	repo := &stubRepository{findLog: &repository.TryOnLog{ResultID: "res", Status: repository.StatusSucceeded, ResultPath: resultPath}}
	uc := NewTryOnUseCase(store, &stubClient{}, repo, cache, zap.NewNop(), Settings{})

	path, err := uc.LookupResult(context.Background(), "res")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if path != resultPath {
		t.Fatalf("expected %s, got %s", resultPath, path)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
}

func TestLookupResultErrors(t *testing.T) {
	store := newTestStore(t)

	t.Run("disabled", func(t *testing.T) {
		uc := NewTryOnUseCase(store, &stubClient{}, nil, nil, zap.NewNop(), Settings{})
		if _, err := uc.LookupResult(context.Background(), "x"); !errors.Is(err, ErrHistoryDisabled) {
			t.Fatalf("expected ErrHistoryDisabled, got %v", err)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		uc := NewTryOnUseCase(store, &stubClient{}, &stubRepository{}, nil, zap.NewNop(), Settings{})
		if _, err := uc.LookupResult(context.Background(), "x"); !errors.Is(err, ErrResultNotFound) {
			t.Fatalf("expected ErrResultNotFound, got %v", err)
		}
	})

	t.Run("failed request", func(t *testing.T) {
		repo := &stubRepository{findLog: &repository.TryOnLog{Status: repository.StatusFailed}}
		uc := NewTryOnUseCase(store, &stubClient{}, repo, nil, zap.NewNop(), Settings{})
		if _, err := uc.LookupResult(context.Background(), "x"); !errors.Is(err, ErrResultNotFound) {
			t.Fatalf("expected ErrResultNotFound, got %v", err)
		}
	})

	t.Run("swept", func(t *testing.T) {
		repo := &stubRepository{findLog: &repository.TryOnLog{Status: repository.StatusSucceeded, ResultPath: filepath.Join(store.ResultDir(), "gone.png")}}
		uc := NewTryOnUseCase(store, &stubClient{}, repo, nil, zap.NewNop(), Settings{})
		if _, err := uc.LookupResult(context.Background(), "x"); !errors.Is(err, ErrResultExpired) {
			t.Fatalf("expected ErrResultExpired, got %v", err)
		}
	})
}

func TestGetMetricsSummary(t *testing.T) {
	uc := NewTryOnUseCase(newTestStore(t), &stubClient{}, &stubRepository{}, nil, zap.NewNop(), Settings{})

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.TotalRequests != 4 || summary.SuccessRate != 0.75 || summary.AverageLatencyMs != 250 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	disabled := NewTryOnUseCase(newTestStore(t), &stubClient{}, nil, nil, zap.NewNop(), Settings{})
	if _, err := disabled.GetMetricsSummary(context.Background()); !errors.Is(err, ErrHistoryDisabled) {
		t.Fatalf("expected ErrHistoryDisabled, got %v", err)
	}
}
