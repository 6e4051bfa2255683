package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"social-post-scheduler/internal/config"
)

// maxImageWidth is the widest an uploaded image is kept; platforms reject or
// recompress anything larger anyway.
const maxImageWidth = 1920

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) error
}

// Store persists uploaded post media and hands back the public URL that jobs
// carry. Backend is a local directory for development or S3 when a bucket is
// configured.
type Store struct {
	backend  uploader
	baseURL  string
	maxBytes int64
}

// NewStore picks the backend from config.
func NewStore(ctx context.Context, cfg config.Config) (*Store, error) {
	var backend uploader
	if cfg.MediaS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		backend = &s3Uploader{client: client, bucket: cfg.MediaS3Bucket}
	} else {
		backend = &localUploader{baseDir: cfg.MediaDir}
	}
	return &Store{
		backend:  backend,
		baseURL:  strings.TrimRight(cfg.MediaBaseURL, "/"),
		maxBytes: cfg.MediaMaxBytes,
	}, nil
}

// Save stores one uploaded file and returns its public URL. Images get
// normalized: downscaled to maxImageWidth and re-encoded as JPEG, which every
// supported platform accepts. Video and other types are stored as-is.
func (s *Store) Save(ctx context.Context, name string, data []byte) (string, error) {
	if s.maxBytes > 0 && int64(len(data)) > s.maxBytes {
		return "", fmt.Errorf("media too large (>%d bytes)", s.maxBytes)
	}

	contentType := http.DetectContentType(data)
	ext := strings.ToLower(filepath.Ext(name))

	if strings.HasPrefix(contentType, "image/") {
		// Undecodable "images" fall through and are stored untouched.
		if normalized, err := normalizeImage(data); err == nil {
			data = normalized
			contentType = "image/jpeg"
			ext = ".jpg"
		}
	}
	if ext == "" {
		ext = extensionFor(contentType)
	}

	key := uuid.New().String() + ext
	if err := s.backend.Upload(ctx, key, data, contentType); err != nil {
		return "", err
	}
	return s.baseURL + "/" + key, nil
}

func normalizeImage(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Dx() > maxImageWidth {
		img = imaging.Resize(img, maxImageWidth, 0, imaging.Lanczos)
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "video/mp4":
		return ".mp4"
	default:
		return ".bin"
	}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.MediaS3Region),
	}
	if cfg.MediaS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.MediaS3Endpoint,
					HostnameImmutable: cfg.MediaS3PathStyle,
					SigningRegion:     cfg.MediaS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.MediaS3PathStyle
	}), nil
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) error {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (u *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}
