// Package gradio is a minimal client for the HTTP API exposed by Gradio apps
// such as Hugging Face Spaces: file upload, queued prediction calls and file
// download.
package gradio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/example/tryon-gateway/internal/logging"
)

// FileData references a file stored on the Gradio server.
type FileData struct {
	Path     string            `json:"path"`
	URL      string            `json:"url,omitempty"`
	OrigName string            `json:"orig_name,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
}

// NewFileData builds the payload Gradio expects for a file input.
func NewFileData(serverPath, origName string) FileData {
	return FileData{
		Path:     serverPath,
		OrigName: origName,
		Meta:     map[string]string{"_type": "gradio.FileData"},
	}
}

// APIError is returned when the Gradio server answers with a non-2xx status.
type APIError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Operation, e.StatusCode, strings.TrimSpace(e.Body))
}

// PredictionError carries the message of an "error" event from the queue.
type PredictionError struct {
	APIName string
	Message string
}

func (e *PredictionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("prediction %s failed", e.APIName)
	}
	return fmt.Sprintf("prediction %s failed: %s", e.APIName, e.Message)
}

// ErrNoResult is returned when the event stream closes without a completion event.
var ErrNoResult = errors.New("event stream closed without a result")

// Config identifies a Gradio app.
type Config struct {
	BaseURL   string
	APIPrefix string
	Token     string
	// Timeout bounds each HTTP round trip. Zero means no timeout.
	Timeout time.Duration
}

// Client talks to one Gradio app. It is safe for concurrent use.
type Client struct {
	http   *resty.Client
	origin *url.URL
	token  string
	prefix string
	logger *zap.Logger
}

// NewClient returns a client for the app described by cfg.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetHeader("User-Agent", "tryon-gateway")
	if cfg.Timeout > 0 {
		httpClient.SetTimeout(cfg.Timeout)
	}

	prefix := strings.TrimRight(cfg.APIPrefix, "/")
	if prefix != "" && !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	origin, err := url.Parse(baseURL)
	if err != nil || origin.Host == "" {
		origin = nil
	}
	return &Client{
		http:   httpClient,
		origin: origin,
		token:  cfg.Token,
		prefix: prefix,
		logger: logger.Named("gradio"),
	}
}

// request starts a request for target. The token is only attached when
// target is relative to the app or shares its scheme and host.
func (c *Client) request(ctx context.Context, target string) *resty.Request {
	req := c.http.R().SetContext(ctx)
	if c.token != "" && c.sameOrigin(target) {
		req.SetAuthToken(c.token)
	}
	return req
}

func (c *Client) sameOrigin(target string) bool {
	if !isAbsoluteURL(target) {
		return true
	}
	if c.origin == nil {
		return false
	}
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, c.origin.Scheme) && strings.EqualFold(u.Host, c.origin.Host)
}

func isAbsoluteURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// UploadFile uploads a local file and returns a reference usable as a prediction input.
func (c *Client) UploadFile(ctx context.Context, path string) (FileData, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileData{}, err
	}
	defer f.Close()

	name := filepath.Base(path)
	var serverPaths []string
	resp, err := c.request(ctx, c.prefix+"/upload").
		SetFileReader("files", name, f).
		SetResult(&serverPaths).
		Post(c.prefix + "/upload")
	if err != nil {
		return FileData{}, fmt.Errorf("upload %s: %w", name, err)
	}
	if resp.IsError() {
		return FileData{}, &APIError{Operation: "upload", StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	if len(serverPaths) == 0 {
		return FileData{}, fmt.Errorf("upload %s: server returned no paths", name)
	}

	c.logger.Debug("uploaded file", zap.String("local_path", path), zap.String("server_path", serverPaths[0]))
	return NewFileData(serverPaths[0], name), nil
}

type callResponse struct {
	EventID string `json:"event_id"`
}

// Predict submits data to the named endpoint and blocks until the queue reports
// completion, returning the output list.
func (c *Client) Predict(ctx context.Context, apiName string, data []any) ([]any, error) {
	name := strings.TrimPrefix(apiName, "/")
	opLogger := logging.WithOperation(c.logger, "gradio.predict", logging.RequestIDFromContext(ctx)).
		With(zap.String("api_name", apiName))

	var call callResponse
	resp, err := c.request(ctx, c.prefix+"/call/"+name).
		SetBody(map[string]any{"data": data}).
		SetResult(&call).
		Post(c.prefix + "/call/" + name)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", apiName, err)
	}
	if resp.IsError() {
		return nil, &APIError{Operation: "submit " + apiName, StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	if call.EventID == "" {
		return nil, fmt.Errorf("submit %s: missing event id", apiName)
	}
	opLogger.Debug("prediction queued", zap.String("event_id", call.EventID))

	stream, err := c.request(ctx, c.prefix+"/call/"+name+"/"+call.EventID).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "text/event-stream").
		Get(c.prefix + "/call/" + name + "/" + call.EventID)
	if err != nil {
		return nil, fmt.Errorf("await %s: %w", apiName, err)
	}
	body := stream.RawBody()
	defer body.Close()
	if stream.IsError() {
		return nil, &APIError{Operation: "await " + apiName, StatusCode: stream.StatusCode()}
	}

	return readEventStream(bufio.NewScanner(body), apiName)
}

func readEventStream(scanner *bufio.Scanner, apiName string) ([]any, error) {
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			switch event {
			case "complete":
				var out []any
				if err := json.Unmarshal([]byte(payload), &out); err != nil {
					return nil, fmt.Errorf("decode %s result: %w", apiName, err)
				}
				return out, nil
			case "error":
				return nil, &PredictionError{APIName: apiName, Message: errorMessage(payload)}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s events: %w", apiName, err)
	}
	return nil, ErrNoResult
}

func errorMessage(payload string) string {
	if payload == "" || payload == "null" {
		return ""
	}
	var msg string
	if err := json.Unmarshal([]byte(payload), &msg); err == nil {
		return msg
	}
	return payload
}

// Download fetches a file by absolute URL or by server-side path. A 404
// answer is reported as fs.ErrNotExist. URLs on another host are fetched
// without the app token.
func (c *Client) Download(ctx context.Context, ref string) ([]byte, error) {
	target := ref
	if !isAbsoluteURL(ref) {
		target = c.prefix + "/file=" + ref
	}

	resp, err := c.request(ctx, target).Get(target)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", ref, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, &fs.PathError{Op: "download", Path: ref, Err: fs.ErrNotExist}
	}
	if resp.IsError() {
		return nil, &APIError{Operation: "download", StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return resp.Body(), nil
}
