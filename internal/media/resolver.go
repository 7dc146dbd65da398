// Package media turns a job's stored attachment into something the
// transport can send.
package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/pnptv/herald/internal/db"
	"github.com/pnptv/herald/internal/transport"
)

// ErrNoSource is returned for media with neither a URL, a file id nor an
// S3 object.
var ErrNoSource = errors.New("media has no source")

// Presigner is the part of the S3 presign client the resolver needs.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Resolver resolves attachments once per dispatch run. URLs and platform
// file ids pass through; S3 objects become presigned GET URLs valid for ttl.
type Resolver struct {
	presigner Presigner
	ttl       time.Duration
	logger    *zap.Logger
}

// NewResolver creates a resolver over an S3 client. endpoint may point at
// a compatible store such as localstack.
func NewResolver(awsCfg aws.Config, endpoint string, ttl time.Duration, logger *zap.Logger) *Resolver {
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return NewResolverWithPresigner(s3.NewPresignClient(client), ttl, logger)
}

func NewResolverWithPresigner(p Presigner, ttl time.Duration, logger *zap.Logger) *Resolver {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Resolver{presigner: p, ttl: ttl, logger: logger}
}

// Resolve returns the transport attachment for m. A nil m resolves to nil.
func (r *Resolver) Resolve(ctx context.Context, m *db.Media) (*transport.Media, error) {
	if m == nil {
		return nil, nil
	}

	switch {
	case m.FileID != "":
		return &transport.Media{Type: m.Type, Source: m.FileID}, nil
	case m.URL != "":
		return &transport.Media{Type: m.Type, Source: m.URL}, nil
	case m.S3Bucket != "" && m.S3Key != "":
		if r.presigner == nil {
			return nil, fmt.Errorf("presign s3://%s/%s: no s3 client configured", m.S3Bucket, m.S3Key)
		}
		req, err := r.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(m.S3Bucket),
			Key:    aws.String(m.S3Key),
		}, s3.WithPresignExpires(r.ttl))
		if err != nil {
			return nil, fmt.Errorf("presign s3://%s/%s: %w", m.S3Bucket, m.S3Key, err)
		}

		r.logger.Debug("presigned broadcast media",
			zap.String("bucket", m.S3Bucket),
			zap.String("key", m.S3Key),
			zap.Duration("ttl", r.ttl),
		)
		return &transport.Media{Type: m.Type, Source: req.URL}, nil
	default:
		return nil, ErrNoSource
	}
}
