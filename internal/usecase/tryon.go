package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/tryon-gateway/internal/inference"
	"github.com/example/tryon-gateway/internal/logging"
	"github.com/example/tryon-gateway/internal/repository"
	"github.com/example/tryon-gateway/internal/retry"
	"github.com/example/tryon-gateway/internal/storage"
)

var (
	// ErrHistoryDisabled is returned by lookups when neither a repository nor a cache is configured.
	ErrHistoryDisabled = errors.New("result history is not configured")
	// ErrResultNotFound is returned when no successful result is known for a result id.
	ErrResultNotFound = errors.New("result not found")
	// ErrResultExpired is returned when the result file was already swept.
	ErrResultExpired = errors.New("result expired")
)

// FileStore persists uploads and results.
type FileStore interface {
	SaveUpload(r io.Reader, prefix string) (string, error)
	SaveResult(data []byte) (string, error)
	Remove(paths ...string)
}

// HistoryRepository defines the persistence operations needed by the use case.
type HistoryRepository interface {
	SaveLog(ctx context.Context, log *repository.TryOnLog) error
	FindByResultID(ctx context.Context, resultID string) (*repository.TryOnLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Settings tunes the cleanup behaviour of the use case.
type Settings struct {
	// KeepTempUploads leaves uploaded images on disk after the inference call.
	KeepTempUploads bool
	// ResultTTL is how long result lookups stay cached. Zero keeps them forever.
	ResultTTL time.Duration
}

// TryOnInput carries the decoded form of a try-on request.
type TryOnInput struct {
	Person        io.Reader
	Garment       io.Reader
	Seed          float64
	RandomizeSeed bool
}

// TryOnOutput identifies the stored result of a successful request.
// ResultID is assigned by the gateway and keys later lookups; RequestID is
// the caller's correlation id.
type TryOnOutput struct {
	ResultID   string
	RequestID  string
	ResultPath string
}

// TryOnUseCase encapsulates business logic for the try-on flow.
type TryOnUseCase struct {
	store    FileStore
	client   inference.Client
	history  HistoryRepository
	cache    Cache
	logger   *zap.Logger
	settings Settings
	policy   retry.Policy
}

type cachedResult struct {
	ResultID   string    `json:"result_id"`
	RequestID  string    `json:"request_id"`
	ResultPath string    `json:"result_path"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewTryOnUseCase constructs a new use case instance. history and cache may be
// nil, which disables history recording and cached lookups respectively.
func NewTryOnUseCase(store FileStore, client inference.Client, history HistoryRepository, cache Cache, logger *zap.Logger, settings Settings) *TryOnUseCase {
	return &TryOnUseCase{
		store:    store,
		client:   client,
		history:  history,
		cache:    cache,
		logger:   logger.Named("tryon_usecase"),
		settings: settings,
		policy:   retry.DefaultPolicy,
	}
}

// RunTryOn persists both uploads, calls the remote try-on service and stores
// the returned image.
func (uc *TryOnUseCase) RunTryOn(ctx context.Context, in TryOnInput) (*TryOnOutput, error) {
	requestID := logging.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
		ctx = logging.ContextWithRequestID(ctx, requestID)
	}
	resultID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.run_try_on", requestID).
		With(zap.String("result_id", resultID))
	start := time.Now()

	entry := &repository.TryOnLog{
		ResultID:      resultID,
		RequestID:     requestID,
		Seed:          in.Seed,
		RandomizeSeed: in.RandomizeSeed,
		Status:        repository.StatusFailed,
	}

	personPath, garmentPath, err := uc.saveUploads(requestID, in)
	if !uc.settings.KeepTempUploads {
		defer uc.store.Remove(personPath, garmentPath)
	}
	if err != nil {
		opLogger.Error("failed to save uploaded files", zap.Error(err))
		uc.record(ctx, entry, start, err)
		return nil, err
	}
	opLogger.Info("uploaded files saved",
		zap.String("person_img_path", personPath),
		zap.String("garment_img_path", garmentPath))

	data, err := uc.client.TryOn(ctx, inference.Request{
		PersonPath:    personPath,
		GarmentPath:   garmentPath,
		Seed:          in.Seed,
		RandomizeSeed: in.RandomizeSeed,
	})
	if err != nil {
		opLogger.Error("try-on call failed", zap.Error(err))
		uc.record(ctx, entry, start, err)
		return nil, err
	}
	opLogger.Info("API call successful", zap.Int("bytes", len(data)))

	resultPath, err := uc.store.SaveResult(data)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.save_result", requestID, err)
		opLogger.Error("failed to save result image", zap.Error(wrapped))
		uc.record(ctx, entry, start, wrapped)
		return nil, wrapped
	}
	opLogger.Info("result image saved", zap.String("result_path", resultPath))

	entry.Status = repository.StatusSucceeded
	entry.ResultPath = resultPath
	uc.record(ctx, entry, start, nil)
	uc.cacheResult(ctx, entry)

	return &TryOnOutput{ResultID: resultID, RequestID: requestID, ResultPath: resultPath}, nil
}

func (uc *TryOnUseCase) saveUploads(requestID string, in TryOnInput) (string, string, error) {
	var personPath, garmentPath string
	var g errgroup.Group
	g.Go(func() error {
		path, err := uc.store.SaveUpload(in.Person, storage.PersonPrefix)
		if err != nil {
			return logging.NewOperationError("usecase.save_person_upload", requestID, err)
		}
		personPath = path
		return nil
	})
	g.Go(func() error {
		path, err := uc.store.SaveUpload(in.Garment, storage.GarmentPrefix)
		if err != nil {
			return logging.NewOperationError("usecase.save_garment_upload", requestID, err)
		}
		garmentPath = path
		return nil
	})
	err := g.Wait()
	return personPath, garmentPath, err
}

// record stores the outcome in history. Failures are logged, not returned.
func (uc *TryOnUseCase) record(ctx context.Context, entry *repository.TryOnLog, start time.Time, cause error) {
	if uc.history == nil {
		return
	}
	entry.LatencyMs = time.Since(start).Milliseconds()
	entry.CreatedAt = time.Now().UTC()
	if cause != nil {
		entry.Error = cause.Error()
	}
	if err := uc.history.SaveLog(ctx, entry); err != nil {
		logging.WithOperation(uc.logger, "usecase.record", entry.RequestID).
			Warn("failed to persist try-on log", zap.Error(err))
	}
}

func (uc *TryOnUseCase) cacheResult(ctx context.Context, entry *repository.TryOnLog) {
	if uc.cache == nil {
		return
	}
	serialized, err := json.Marshal(cachedResult{
		ResultID:   entry.ResultID,
		RequestID:  entry.RequestID,
		ResultPath: entry.ResultPath,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		uc.logger.Error("failed to serialize cached result", zap.Error(err))
		return
	}

	err = uc.policy.Do(ctx, uc.logger, "cache.set.result", entry.RequestID, func() error {
		return uc.cache.Set(ctx, resultCacheKey(entry.ResultID), string(serialized), uc.settings.ResultTTL)
	})
	if err != nil {
		logging.WithOperation(uc.logger, "usecase.cache_result", entry.RequestID).
			Warn("failed to cache result", zap.Error(err))
	}
}

// LookupResult returns the result file stored under resultID, consulting the
// cache before the history repository.
func (uc *TryOnUseCase) LookupResult(ctx context.Context, resultID string) (string, error) {
	if uc.history == nil && uc.cache == nil {
		return "", ErrHistoryDisabled
	}
	requestID := logging.RequestIDFromContext(ctx)
	opLogger := logging.WithOperation(uc.logger, "usecase.lookup_result", requestID).
		With(zap.String("result_id", resultID))

	var path string
	if uc.cache != nil {
		var raw string
		err := uc.policy.Do(ctx, uc.logger, "cache.get.result", requestID, func() error {
			value, err := uc.cache.Get(ctx, resultCacheKey(resultID))
			raw = value
			return err
		})
		switch {
		case err == nil:
			var payload cachedResult
			if err := json.Unmarshal([]byte(raw), &payload); err != nil {
				opLogger.Warn("failed to decode cached result", zap.Error(err))
			} else {
				path = payload.ResultPath
			}
		case !errors.Is(err, ErrCacheMiss):
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
	}

	if path == "" && uc.history != nil {
		log, err := uc.history.FindByResultID(ctx, resultID)
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrResultNotFound
		}
		if err != nil {
			return "", err
		}
		if log.Status != repository.StatusSucceeded {
			return "", ErrResultNotFound
		}
		path = log.ResultPath
	}

	if path == "" {
		return "", ErrResultNotFound
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", ErrResultExpired
		}
		return "", fmt.Errorf("stat result: %w", err)
	}
	return path, nil
}

func resultCacheKey(resultID string) string {
	return fmt.Sprintf("tryon:result:%s", resultID)
}
