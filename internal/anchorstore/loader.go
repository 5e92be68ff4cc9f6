// Package anchorstore loads trust anchor keysets from a release channel:
// an SSM parameter names the current keyset release ID and an S3 object
// holds the keyset document for that release. A Watcher polls for ID
// changes and swaps the new anchors into the static resolver.
package anchorstore

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/svcgate/internal/authn"
	"github.com/keithlinneman/svcgate/internal/log"
	"github.com/keithlinneman/svcgate/internal/xerrors"
)

// SSMAPI is the slice of the SSM client the loader uses.
type SSMAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// S3API is the slice of the S3 client the loader uses.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type LoaderOptions struct {
	Logger log.Logger

	// SSM parameter containing the current keyset release ID
	SSMParam string

	// S3 location for keysets: s3://{bucket}/{prefix}/{id}.json
	S3Bucket string
	S3Prefix string

	// AWS config (uses default if nil and no clients are injected)
	AWSConfig *aws.Config

	// Client overrides, for tests
	SSMClient SSMAPI
	S3Client  S3API
}

type Loader struct {
	opts      LoaderOptions
	ssmClient SSMAPI
	s3Client  S3API
	logger    log.Logger
}

// NewLoader creates a keyset Loader with the given options.
func NewLoader(ctx context.Context, opts LoaderOptions) (*Loader, error) {
	if opts.SSMParam == "" {
		return nil, xerrors.New("SSMParam is required")
	}
	if opts.S3Bucket == "" {
		return nil, xerrors.New("S3Bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	ssmClient := opts.SSMClient
	s3Client := opts.S3Client
	if ssmClient == nil || s3Client == nil {
		var awsCfg aws.Config
		var err error
		if opts.AWSConfig != nil {
			awsCfg = *opts.AWSConfig
		} else {
			awsCfg, err = config.LoadDefaultConfig(ctx)
			if err != nil {
				return nil, xerrors.Wrap(err, "load AWS config")
			}
		}
		if ssmClient == nil {
			ssmClient = ssm.NewFromConfig(awsCfg)
		}
		if s3Client == nil {
			s3Client = s3.NewFromConfig(awsCfg)
		}
	}

	return &Loader{
		opts:      opts,
		ssmClient: ssmClient,
		s3Client:  s3Client,
		logger:    opts.Logger,
	}, nil
}

// FetchCurrentKeysetID gets the current keyset release ID from SSM.
func (l *Loader) FetchCurrentKeysetID(ctx context.Context) (string, error) {
	out, err := l.ssmClient.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(l.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", l.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", l.opts.SSMParam)
	}

	id := strings.TrimSpace(*out.Parameter.Value)
	if id == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", l.opts.SSMParam)
	}
	return id, nil
}

// s3Key returns the S3 object key for a given keyset release ID.
func (l *Loader) s3Key(id string) string {
	if l.opts.S3Prefix != "" {
		return fmt.Sprintf("%s/%s.json", l.opts.S3Prefix, id)
	}
	return fmt.Sprintf("%s.json", id)
}

// LoadKeyset fetches and parses the keyset document for a release ID.
func (l *Loader) LoadKeyset(ctx context.Context, id string) ([]authn.TrustAnchor, error) {
	key := l.s3Key(id)

	l.logger.Info(ctx, "loading trust anchor keyset",
		"bucket", l.opts.S3Bucket,
		"key", key,
	)

	out, err := l.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.opts.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, 1<<20))
	if err != nil {
		return nil, xerrors.Wrap(err, "read keyset object")
	}

	anchors, err := authn.ParseKeyset(data)
	if err != nil {
		return nil, xerrors.Wrapf(err, "keyset %s", id)
	}
	return anchors, nil
}

// Load resolves the current release ID and loads its keyset.
func (l *Loader) Load(ctx context.Context) (string, []authn.TrustAnchor, error) {
	id, err := l.FetchCurrentKeysetID(ctx)
	if err != nil {
		return "", nil, err
	}
	anchors, err := l.LoadKeyset(ctx, id)
	if err != nil {
		return "", nil, err
	}
	return id, anchors, nil
}
