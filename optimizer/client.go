package optimizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperror "github.com/Yulian302/lfusys-services-media/apperror"
	"github.com/Yulian302/lfusys-services-media/config"
	"github.com/Yulian302/lfusys-services-media/logging"
	"github.com/Yulian302/lfusys-services-media/models"
	"golang.org/x/time/rate"
)

// DefaultMaxBatch is the largest batch the optimization API accepts.
const DefaultMaxBatch = 3

// Image is one file submitted for optimization.
type Image struct {
	AssetID  string
	Path     string
	MimeType string
}

type Client interface {
	// Optimize returns one result per submitted image, in submission order.
	// Batches larger than MaxBatch are refused without a request.
	Optimize(ctx context.Context, images []Image) ([]models.OptimizationResult, error)
	MaxBatch() int
	// Preflight fails with a permanent error when the client is not usable.
	Preflight(ctx context.Context) error
}

type HTTPClient struct {
	endpoint   string
	apiKey     string
	maxBatch   int
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     logging.Logger
}

func NewHTTPClient(cfg config.OptimizerConfig, l logging.Logger) *HTTPClient {
	maxBatch := cfg.MaxBatch
	if maxBatch < 1 {
		maxBatch = DefaultMaxBatch
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &HTTPClient{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		maxBatch:   maxBatch,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, 1),
		logger:     l,
	}
}

func (c *HTTPClient) MaxBatch() int {
	return c.maxBatch
}

func (c *HTTPClient) Preflight(ctx context.Context) error {
	if c.endpoint == "" {
		return apperror.Permanent(errors.New("optimizer endpoint is not configured"))
	}
	if c.apiKey == "" {
		return apperror.Permanent(errors.New("optimizer api key is not configured"))
	}
	return nil
}

type resultItem struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	OriginalSize  int64  `json:"original_size"`
	OptimizedSize int64  `json:"optimized_size"`
	Format        string `json:"format"`
	Content       []byte `json:"content"`
	Reason        string `json:"reason"`
	Error         string `json:"error"`
}

type optimizeResponse struct {
	Results []resultItem `json:"results"`
}

func (c *HTTPClient) Optimize(ctx context.Context, images []Image) ([]models.OptimizationResult, error) {
	if len(images) == 0 {
		return nil, nil
	}
	if len(images) > c.maxBatch {
		return nil, fmt.Errorf("batch of %d images exceeds the limit of %d", len(images), c.maxBatch)
	}

	body, contentType, err := encodeBatch(images)
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/optimize", body)
	if err != nil {
		return nil, apperror.Permanent(fmt.Errorf("build optimize request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, apperror.Transient(fmt.Errorf("optimize request: %w", err))
	}
	defer resp.Body.Close()

	c.logger.Debug("optimizer responded",
		"status", resp.StatusCode,
		"images", len(images),
		"duration", time.Since(start),
	)

	if err := statusError(resp); err != nil {
		return nil, err
	}

	var decoded optimizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, apperror.Transient(fmt.Errorf("decode optimize response: %w", err))
	}
	return matchResults(images, decoded.Results), nil
}

func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("optimizer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return apperror.Permanent(err)
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return apperror.Transient(err)
	default:
		return err
	}
}

func encodeBatch(images []Image) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, img := range images {
		if err := w.WriteField("ids", img.AssetID); err != nil {
			return nil, "", err
		}

		data, err := os.ReadFile(img.Path)
		if err != nil {
			return nil, "", fmt.Errorf("read %s: %w", img.Path, err)
		}

		mimeType := img.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="images"; filename=%q`, filepath.Base(img.Path)))
		h.Set("Content-Type", mimeType)

		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// matchResults decodes the response into one typed outcome per submitted
// image. Images the service did not answer for are reported as failed.
func matchResults(images []Image, items []resultItem) []models.OptimizationResult {
	byID := make(map[string]resultItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}

	out := make([]models.OptimizationResult, len(images))
	for i, img := range images {
		it, ok := byID[img.AssetID]
		if !ok {
			out[i] = models.OptimizationResult{
				AssetID: img.AssetID,
				Outcome: models.Failed{Error: "no result returned for image"},
			}
			continue
		}
		out[i] = models.OptimizationResult{AssetID: img.AssetID, Outcome: decodeOutcome(it)}
	}
	return out
}

func decodeOutcome(it resultItem) models.OptimizationOutcome {
	switch it.Status {
	case "optimized", "success":
		if len(it.Content) == 0 {
			return models.Failed{Error: "optimized result carried no content"}
		}
		optimizedSize := it.OptimizedSize
		if optimizedSize <= 0 {
			optimizedSize = int64(len(it.Content))
		}
		if it.OriginalSize > 0 && optimizedSize >= it.OriginalSize {
			return models.Skipped{Reason: "optimized output is not smaller"}
		}
		return models.Optimized{
			OriginalSize:  it.OriginalSize,
			OptimizedSize: optimizedSize,
			BytesSaved:    max(it.OriginalSize-optimizedSize, 0),
			Format:        it.Format,
			Content:       it.Content,
		}
	case "skipped":
		reason := it.Reason
		if reason == "" {
			reason = "skipped by optimizer"
		}
		return models.Skipped{Reason: reason}
	case "error", "failed":
		msg := it.Error
		if msg == "" {
			msg = "optimizer reported an error"
		}
		return models.Failed{Error: msg}
	default:
		return models.Failed{Error: fmt.Sprintf("unknown result status %q", it.Status)}
	}
}
