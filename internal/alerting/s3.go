package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/keithlinneman/secwatch/internal/secevents"
	"github.com/keithlinneman/secwatch/internal/xerrors"
)

// ObjectPutter is the part of the S3 client S3Archive needs. *s3.Client satisfies it.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive writes each alert as a JSON object under
// s3://{bucket}/{prefix}/yyyy/mm/dd/{kind}-{id}.json
type S3Archive struct {
	client ObjectPutter
	bucket string
	prefix string
}

func NewS3Archive(client ObjectPutter, bucket, prefix string) (*S3Archive, error) {
	if client == nil {
		return nil, xerrors.New("s3 client is required")
	}
	if bucket == "" {
		return nil, xerrors.New("alert bucket is required")
	}
	return &S3Archive{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *S3Archive) Name() string { return "s3" }

// Key returns the object key for a
func (s *S3Archive) Key(a secevents.Alert) string {
	day := a.At.UTC().Format("2006/01/02")
	return path.Join(s.prefix, day, string(a.Kind)+"-"+a.ID+".json")
}

func (s *S3Archive) Send(ctx context.Context, a secevents.Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return xerrors.Wrap(err, "marshal alert")
	}
	key := s.Key(a)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return xerrors.Wrapf(err, "put s3://%s/%s", s.bucket, key)
	}
	return nil
}
