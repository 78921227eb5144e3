package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"github.com/doyensec/safeurl"

	"companion-jobs/internal/analysis"
	"companion-jobs/internal/config"
	"companion-jobs/internal/models"
)

// Analyzer submits an image to the analysis service.
type Analyzer interface {
	Analyze(ctx context.Context, req analysis.Request) (json.RawMessage, error)
}

// objectStore holds normalized images and hands out time-limited read URLs.
type objectStore interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) error
	PresignGet(ctx context.Context, key string) (string, error)
}

// ImageHandler runs image-analysis jobs. When object storage is configured, oversized
// images are downscaled and re-hosted before being sent for analysis.
type ImageHandler struct {
	analyzer     Analyzer
	objects      objectStore
	httpClient   *http.Client
	maxDimension int
	maxBytes     int64
	now          func() time.Time
}

type imageAnalysisPayload struct {
	ImageURL     string `json:"imageUrl"`
	StorageKey   string `json:"storageKey"`
	AnalysisType string `json:"analysisType"`
}

func (p *imageAnalysisPayload) Validate() error {
	if p.ImageURL == "" && p.StorageKey == "" {
		return errors.New("imageUrl or storageKey is required")
	}
	if p.AnalysisType == "" {
		p.AnalysisType = "general"
	}
	return nil
}

type imageAnalysisResult struct {
	AnalysisType string          `json:"analysisType"`
	ImageURL     string          `json:"imageUrl,omitempty"`
	StorageKey   string          `json:"storageKey,omitempty"`
	Normalized   bool            `json:"normalized"`
	Analysis     json.RawMessage `json:"analysis"`
	Timestamp    string          `json:"timestamp"`
}

// NewImageHandler constructs the handler; S3 normalization is enabled when IMAGE_S3_BUCKET is set.
func NewImageHandler(ctx context.Context, cfg config.Config, analyzer Analyzer) (*ImageHandler, error) {
	timeout := cfg.ImageDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	h := &ImageHandler{
		analyzer:     analyzer,
		httpClient:   newSafeClient(timeout),
		maxDimension: cfg.ImageMaxDimension,
		maxBytes:     cfg.ImageMaxBytes,
		now:          time.Now,
	}
	if cfg.ImageS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		ttl := cfg.ImagePresignTTL
		if ttl == 0 {
			ttl = 15 * time.Minute
		}
		h.objects = &s3Objects{
			client:  client,
			presign: s3.NewPresignClient(client),
			bucket:  cfg.ImageS3Bucket,
			ttl:     ttl,
		}
	}
	return h, nil
}

// newSafeClient refuses to connect to private or loopback addresses, since image
// URLs come from end users. Redirects are not followed.
func newSafeClient(timeout time.Duration) *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ImageS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ImageS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ImageS3Endpoint)
		}
		o.UsePathStyle = cfg.ImageS3PathStyle
	}), nil
}

// Handler returns the typed registry entry.
func (h *ImageHandler) Handler() Handler {
	return Typed[imageAnalysisPayload](h.handle)
}

func (h *ImageHandler) handle(ctx context.Context, job models.Job, p imageAnalysisPayload) (any, error) {
	sourceURL, normalized, err := h.resolveSource(ctx, job, p)
	if err != nil {
		return nil, err
	}

	out, err := h.analyzer.Analyze(ctx, analysis.Request{
		ImageURL:     sourceURL,
		AnalysisType: p.AnalysisType,
		UserID:       job.UserID,
	})
	if err != nil {
		return nil, err
	}

	return imageAnalysisResult{
		AnalysisType: p.AnalysisType,
		ImageURL:     p.ImageURL,
		StorageKey:   p.StorageKey,
		Normalized:   normalized,
		Analysis:     out,
		Timestamp:    h.now().UTC().Format(time.RFC3339),
	}, nil
}

// resolveSource returns the URL the analysis service should fetch.
func (h *ImageHandler) resolveSource(ctx context.Context, job models.Job, p imageAnalysisPayload) (string, bool, error) {
	if p.StorageKey != "" {
		if h.objects == nil {
			return "", false, errors.New("storageKey given but IMAGE_S3_BUCKET is not configured")
		}
		url, err := h.objects.PresignGet(ctx, p.StorageKey)
		if err != nil {
			return "", false, fmt.Errorf("presign %s: %w", p.StorageKey, err)
		}
		return url, false, nil
	}
	if h.objects == nil || h.maxDimension <= 0 {
		return p.ImageURL, false, nil
	}

	data, err := h.download(ctx, p.ImageURL)
	if err != nil {
		return "", false, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", false, fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	if b.Dx() <= h.maxDimension && b.Dy() <= h.maxDimension {
		return p.ImageURL, false, nil
	}

	img = imaging.Fit(img, h.maxDimension, h.maxDimension, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", false, fmt.Errorf("encode image: %w", err)
	}

	// Keyed by job id so a redelivered job overwrites its own upload.
	key := fmt.Sprintf("normalized/%s.jpg", job.ID)
	if err := h.objects.Upload(ctx, key, buf.Bytes(), "image/jpeg"); err != nil {
		return "", false, fmt.Errorf("upload: %w", err)
	}
	url, err := h.objects.PresignGet(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("presign %s: %w", key, err)
	}
	return url, true, nil
}

func (h *ImageHandler) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	limit := h.maxBytes
	if limit == 0 {
		limit = 20 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("image too large (>%d bytes)", limit)
	}
	return body, nil
}

type s3Objects struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	ttl     time.Duration
}

func (s *s3Objects) Upload(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (s *s3Objects) PresignGet(ctx context.Context, key string) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", fmt.Errorf("presign get object: %w", err)
	}
	return req.URL, nil
}
