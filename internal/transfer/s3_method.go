package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/jaywantadh/DisktroSync/internal/checksum"
	"github.com/jaywantadh/DisktroSync/internal/storage"
	"github.com/jaywantadh/DisktroSync/pkg/logging"
	"github.com/sirupsen/logrus"
)

const DefaultPartSize = 5 * 1024 * 1024 // 5 MiB - minimum part size
const DefaultConcurrency = 2            // Default concurrency for multipart uploads

// Object metadata keys
const (
	metaSHA256      = "sha256"
	metaPlainSHA256 = "plain-sha256"
	metaEncrypted   = "encrypted"
	metaTransferID  = "transfer-id"
)

// S3Options configures the object storage method.
type S3Options struct {
	Bucket    string
	Region    string
	Endpoint  string
	Prefix    string
	AccessKey string
	SecretKey string
	PartSize  int64
}

// S3API is the subset of the S3 client the method uses.
type S3API interface {
	manager.UploadAPIClient
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Method moves files through a bucket. Uploads are atomic, so a send
// never resumes; downloads continue a partial local file with a ranged GET.
type S3Method struct {
	api      S3API
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewS3Client builds an S3 client from opts, falling back to the default
// AWS credential chain when no static keys are configured.
func NewS3Client(ctx context.Context, opts S3Options) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		func(o *awsconfig.LoadOptions) error {
			if opts.Region != "" {
				o.Region = opts.Region
			}
			if opts.AccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")
			}
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true // Use path-style requests for MinIO compatibility
		}
	}), nil
}

// NewS3Method creates a method storing objects under prefix in bucket.
func NewS3Method(api S3API, opts S3Options) (*S3Method, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", ErrInvalidInput)
	}
	partSize := opts.PartSize
	if partSize < DefaultPartSize {
		partSize = DefaultPartSize
	}
	return &S3Method{
		api:    api,
		bucket: opts.Bucket,
		prefix: strings.Trim(opts.Prefix, "/"),
		uploader: manager.NewUploader(api, func(u *manager.Uploader) {
			u.PartSize = partSize
			u.Concurrency = DefaultConcurrency
		}),
	}, nil
}

func (m *S3Method) Mode() Mode { return ModeS3 }

// objectName is the key suffix for an offer. Encrypted payloads keep a
// .enc suffix so the receiver knows to decrypt them.
func objectName(offer Offer) string {
	if offer.Encrypted && !offer.Chunked && !strings.HasSuffix(offer.FileName, ".enc") {
		return offer.FileName + ".enc"
	}
	return offer.FileName
}

func (m *S3Method) key(name string) string {
	if m.prefix == "" {
		return name
	}
	return path.Join(m.prefix, name)
}

// Handshake checks the bucket is reachable.
func (m *S3Method) Handshake(ctx context.Context, offer Offer) (int64, error) {
	if _, err := m.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(m.bucket)}); err != nil {
		return 0, fmt.Errorf("bucket %s not reachable: %w", m.bucket, err)
	}
	return 0, nil
}

// ResumeOffset is always 0: object uploads either land whole or not at all.
func (m *S3Method) ResumeOffset(ctx context.Context, offer Offer) (int64, error) {
	return 0, nil
}

// Send uploads offer.Path with its checksum in the object metadata.
// Chunked offers are sent whole; the bucket has no chunk protocol.
func (m *S3Method) Send(ctx context.Context, offer Offer) error {
	if offer.Chunked && offer.Encrypted {
		return fmt.Errorf("%w: s3 expects a whole-file encrypted payload", ErrInvalidInput)
	}
	objectSum := offer.Checksum
	if offer.Encrypted {
		sum, err := checksum.DigestFile(offer.Path)
		if err != nil {
			return err
		}
		objectSum = sum
	}

	file, err := os.Open(offer.Path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	name := objectName(offer)
	meta := map[string]string{
		metaSHA256:     objectSum,
		metaEncrypted:  strconv.FormatBool(offer.Encrypted),
		metaTransferID: offer.TransferID,
	}
	if offer.Encrypted {
		meta[metaPlainSHA256] = offer.Checksum
	}
	_, err = m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(m.bucket),
		Key:      aws.String(m.key(name)),
		Body:     file,
		Metadata: meta,
	})
	if err != nil {
		return fmt.Errorf("failed to upload file: %w", err)
	}
	logging.ForTransfer("s3-method", offer.TransferID).WithFields(logrus.Fields{
		"bucket": m.bucket,
		"key":    m.key(name),
	}).Info("object uploaded")
	return nil
}

func metadataValue(meta map[string]string, key string) string {
	for k, v := range meta {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

func (m *S3Method) head(ctx context.Context, name string) (*s3.HeadObjectOutput, error) {
	out, err := m.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(name)),
	})
	if err != nil {
		var nf *types.NotFound
		var nsk *types.NoSuchKey
		if errors.As(err, &nf) || errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to head %s: %w", name, err)
	}
	return out, nil
}

// Checksum returns the sha256 stored with the object.
func (m *S3Method) Checksum(ctx context.Context, name string) (string, error) {
	out, err := m.head(ctx, name)
	if err != nil {
		return "", err
	}
	return metadataValue(out.Metadata, metaSHA256), nil
}

// Receive downloads name into destPath, appending to what is already there.
func (m *S3Method) Receive(ctx context.Context, name, destPath string) (Received, error) {
	out, err := m.head(ctx, name)
	if err != nil {
		return Received{}, err
	}
	size := aws.ToInt64(out.ContentLength)
	sum := metadataValue(out.Metadata, metaSHA256)

	existing, err := storage.FileSize(destPath)
	if err != nil {
		return Received{}, err
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	if existing > size {
		existing = 0
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	if existing == size && size > 0 {
		return Received{Path: destPath, Bytes: size, Checksum: sum, Resumed: true}, nil
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(m.key(name)),
	}
	if existing > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", existing))
	}
	obj, err := m.api.GetObject(ctx, input)
	if err != nil {
		return Received{}, fmt.Errorf("failed to get %s: %w", name, err)
	}
	defer obj.Body.Close()

	f, err := os.OpenFile(destPath, flags, 0644)
	if err != nil {
		return Received{}, fmt.Errorf("failed to open %s: %w", destPath, err)
	}
	n, copyErr := io.Copy(f, obj.Body)
	if err := f.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		return Received{}, fmt.Errorf("download of %s interrupted after %d bytes: %w", name, existing+n, copyErr)
	}
	return Received{Path: destPath, Bytes: existing + n, Checksum: sum, Resumed: existing > 0}, nil
}
