package inference

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/example/tryon-gateway/internal/gradio"
	"github.com/example/tryon-gateway/internal/logging"
)

// ErrUnexpectedResultType is returned when the first output of the try-on
// endpoint is neither an image reference nor raw image bytes.
var ErrUnexpectedResultType = errors.New("unexpected result type returned by the API")

// Request holds the inputs of one try-on call.
type Request struct {
	PersonPath    string
	GarmentPath   string
	Seed          float64
	RandomizeSeed bool
}

// Client exposes the subset of functionality used by the try-on flow.
type Client interface {
	TryOn(ctx context.Context, req Request) ([]byte, error)
}

// Space is the remote app the try-on client drives.
type Space interface {
	UploadFile(ctx context.Context, path string) (gradio.FileData, error)
	Predict(ctx context.Context, apiName string, data []any) ([]any, error)
	Download(ctx context.Context, ref string) ([]byte, error)
}

// TryOnClient calls the try-on endpoint of a Gradio Space and resolves its
// first output to image bytes.
type TryOnClient struct {
	space   Space
	apiName string
	logger  *zap.Logger
}

// NewTryOnClient returns a client for the endpoint apiName on space.
func NewTryOnClient(space Space, apiName string, logger *zap.Logger) *TryOnClient {
	return &TryOnClient{space: space, apiName: apiName, logger: logger.Named("inference")}
}

// TryOn uploads both images, runs the prediction and returns the composited image.
func (c *TryOnClient) TryOn(ctx context.Context, req Request) ([]byte, error) {
	requestID := logging.RequestIDFromContext(ctx)
	opLogger := logging.WithOperation(c.logger, "inference.try_on", requestID)

	person, err := c.space.UploadFile(ctx, req.PersonPath)
	if err != nil {
		return nil, logging.NewOperationError("inference.upload_person", requestID, err)
	}
	garment, err := c.space.UploadFile(ctx, req.GarmentPath)
	if err != nil {
		return nil, logging.NewOperationError("inference.upload_garment", requestID, err)
	}

	opLogger.Info("calling virtual try-on API",
		zap.String("person_img_path", req.PersonPath),
		zap.String("garment_img_path", req.GarmentPath),
		zap.Float64("seed", req.Seed),
		zap.Bool("randomize_seed", req.RandomizeSeed))

	result, err := c.space.Predict(ctx, c.apiName, []any{person, garment, req.Seed, req.RandomizeSeed})
	if err != nil {
		return nil, logging.NewOperationError("inference.predict", requestID, err)
	}
	if len(result) == 0 {
		return nil, logging.NewOperationError("inference.predict", requestID,
			fmt.Errorf("%w: empty result", ErrUnexpectedResultType))
	}

	opLogger.Info("API returned result", zap.String("type", fmt.Sprintf("%T", result[0])))
	data, err := c.resolveImage(ctx, result[0])
	if err != nil {
		opLogger.Error("failed to resolve result image", zap.Error(err))
		return nil, logging.NewOperationError("inference.resolve_result", requestID, err)
	}
	return data, nil
}

func (c *TryOnClient) resolveImage(ctx context.Context, value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return c.fromReference(ctx, v)
	case gradio.FileData:
		return c.fromFileObject(ctx, v.URL, v.Path)
	case map[string]any:
		url, _ := v["url"].(string)
		path, _ := v["path"].(string)
		return c.fromFileObject(ctx, url, path)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnexpectedResultType, value)
	}
}

func (c *TryOnClient) fromFileObject(ctx context.Context, url, path string) ([]byte, error) {
	switch {
	case url != "":
		return c.space.Download(ctx, url)
	case path != "":
		return c.fromReference(ctx, path)
	default:
		return nil, fmt.Errorf("%w: file object without path or url", ErrUnexpectedResultType)
	}
}

// fromReference resolves a string output: data URLs are decoded in place,
// anything else is a URL or server-side path fetched from the Space.
func (c *TryOnClient) fromReference(ctx context.Context, ref string) ([]byte, error) {
	if strings.HasPrefix(ref, "data:") {
		return decodeDataURL(ref)
	}
	return c.space.Download(ctx, ref)
}

func decodeDataURL(ref string) ([]byte, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return nil, errors.New("malformed data url")
	}
	if !strings.HasSuffix(header, ";base64") {
		return []byte(payload), nil
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode data url: %w", err)
	}
	return data, nil
}
