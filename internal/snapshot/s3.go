package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/golang/snappy"
)

// S3Config configures the S3 snapshot store.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // For S3-compatible services (MinIO, etc.)
	// AccessKeyID and SecretAccessKey are optional; the default AWS credential
	// chain is used when they are empty.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// s3API is the part of *s3.Client the store uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store writes each snapshot as one snappy-compressed object under
// <prefix><document>/<version>.snap with its metadata in object metadata.
// Conditional puts (If-None-Match) keep versions unique across replicas.
type S3Store struct {
	client s3API
	bucket string
	prefix string
}

var _ Store = (*S3Store)(nil)

const (
	metaEpoch        = "epoch"
	metaHeads        = "heads"
	metaRestoredFrom = "restored-from"
	metaSize         = "size"
	metaCreatedAt    = "created-at"
)

// NewS3Store builds a client from cfg.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}
	return newS3Store(s3.NewFromConfig(awsCfg, s3Opts...), cfg.Bucket, cfg.Prefix), nil
}

func newS3Store(client s3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) docPrefix(doc string) string { return s.prefix + doc + "/" }

func (s *S3Store) key(doc string, version int64) string {
	return fmt.Sprintf("%s%020d.snap", s.docPrefix(doc), version)
}

func versionFromKey(key string) (int64, bool) {
	base := strings.TrimSuffix(path.Base(key), ".snap")
	v, err := strconv.ParseInt(base, 10, 64)
	return v, err == nil
}

// versions lists every stored version of doc, ascending.
func (s *S3Store) versions(ctx context.Context, doc string) ([]int64, error) {
	var out []int64
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.docPrefix(doc)),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", doc, err)
		}
		for _, obj := range page.Contents {
			if v, ok := versionFromKey(aws.ToString(obj.Key)); ok {
				out = append(out, v)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed"
}

func isMissing(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}

func (s *S3Store) Save(ctx context.Context, d Draft) (Snapshot, error) {
	body := snappy.Encode(nil, d.State)
	for attempt := 1; attempt <= saveAttempts; attempt++ {
		versions, err := s.versions(ctx, d.DocumentID)
		if err != nil {
			return Snapshot{}, err
		}
		next := int64(1)
		if n := len(versions); n > 0 {
			next = versions[n-1] + 1
		}
		snap := fromDraft(d, next, time.Now())
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.bucket),
			Key:         aws.String(s.key(d.DocumentID, next)),
			Body:        bytes.NewReader(body),
			IfNoneMatch: aws.String("*"),
			ContentType: aws.String("application/octet-stream"),
			Metadata: map[string]string{
				metaEpoch:        strconv.FormatUint(snap.Epoch, 10),
				metaHeads:        strings.Join(snap.Heads, ","),
				metaRestoredFrom: strconv.FormatInt(snap.RestoredFrom, 10),
				metaSize:         strconv.Itoa(snap.Size),
				metaCreatedAt:    snap.CreatedAt.Format(time.RFC3339Nano),
			},
		})
		if err == nil {
			return snap, nil
		}
		if !isPreconditionFailed(err) {
			return Snapshot{}, fmt.Errorf("put snapshot: %w", err)
		}
	}
	return Snapshot{}, fmt.Errorf("put snapshot: version contention on %s", d.DocumentID)
}

func parseMeta(doc string, version int64, meta map[string]string) Snapshot {
	snap := Snapshot{DocumentID: doc, Version: version}
	snap.Epoch, _ = strconv.ParseUint(meta[metaEpoch], 10, 64)
	if h := meta[metaHeads]; h != "" {
		snap.Heads = strings.Split(h, ",")
	}
	snap.RestoredFrom, _ = strconv.ParseInt(meta[metaRestoredFrom], 10, 64)
	snap.Size, _ = strconv.Atoi(meta[metaSize])
	snap.CreatedAt, _ = time.Parse(time.RFC3339Nano, meta[metaCreatedAt])
	return snap
}

func (s *S3Store) Get(ctx context.Context, doc string, version int64) (Snapshot, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(doc, version)),
	})
	if isMissing(err) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get snapshot: %w", err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	state, err := snappy.Decode(nil, body)
	if err != nil {
		return Snapshot{}, fmt.Errorf("decompress snapshot: %w", err)
	}
	snap := parseMeta(doc, version, out.Metadata)
	snap.State = state
	return snap, nil
}

func (s *S3Store) Latest(ctx context.Context, doc string) (Snapshot, error) {
	versions, err := s.versions(ctx, doc)
	if err != nil {
		return Snapshot{}, err
	}
	if len(versions) == 0 {
		return Snapshot{}, ErrNotFound
	}
	return s.Get(ctx, doc, versions[len(versions)-1])
}

func (s *S3Store) List(ctx context.Context, doc string) ([]Snapshot, error) {
	versions, err := s.versions(ctx, doc)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(versions))
	for i := len(versions) - 1; i >= 0; i-- {
		head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(doc, versions[i])),
		})
		if err != nil {
			return nil, fmt.Errorf("head snapshot: %w", err)
		}
		out = append(out, parseMeta(doc, versions[i], head.Metadata))
	}
	return out, nil
}

func (s *S3Store) Close() error { return nil }
