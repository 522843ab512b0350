package internal

import (
	"bytes"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a local path or s3 location does not exist.
var ErrNotFound = errors.New("file or url does not exist")

// ParseS3URL splits an "s3://bucket/key" URL into bucket and key.
func ParseS3URL(name string) (bucket, key string, err error) {
	u, err := url.Parse(name)
	if err != nil {
		return "", "", errors.Wrapf(err, "parsing S3 URL %v", name)
	}
	if u.Host == "" || len(u.Path) < 2 {
		return "", "", errors.Errorf("S3 URL %v missing bucket or key", name)
	}
	return u.Host, u.Path[1:], nil
}

// ReadFileOrURL reads a path from the filesystem or an s3 URL. The
// s3client parameter is required if reading an s3 URL. ReadFileOrURL
// returns ErrNotFound when the local filesystem path or remote s3
// location is not found.
func ReadFileOrURL(name string, s3client s3iface.S3API) ([]byte, error) {
	if !strings.HasPrefix(name, "s3://") {
		content, err := os.ReadFile(name)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, errors.Wrapf(err, "reading file %v", name)
		}
		return content, nil
	}

	if s3client == nil {
		return nil, errors.New("missing s3 client")
	}
	bucket, key, err := ParseS3URL(name)
	if err != nil {
		return nil, err
	}

	result, err := s3client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok {
			switch aerr.Code() {
			case s3.ErrCodeNoSuchBucket, s3.ErrCodeNoSuchKey:
				return nil, ErrNotFound
			}
		}
		return nil, errors.Wrapf(err, "fetching S3 object %v", name)
	}
	defer result.Body.Close()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(result.Body); err != nil {
		return nil, errors.Wrapf(err, "reading S3 object %v", name)
	}
	return buf.Bytes(), nil
}

// WriteFileOrURL writes contents to a filesystem path or an s3 URL.
func WriteFileOrURL(name string, contents []byte, s3client s3iface.S3API) error {
	if !strings.HasPrefix(name, "s3://") {
		if err := os.WriteFile(name, contents, 0o644); err != nil {
			return errors.Wrapf(err, "writing file %v", name)
		}
		return nil
	}

	if s3client == nil {
		return errors.New("missing s3 client")
	}
	bucket, key, err := ParseS3URL(name)
	if err != nil {
		return err
	}

	_, err = s3client.PutObject(&s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(contents),
		ContentLength: aws.Int64(int64(len(contents))),
	})
	if err != nil {
		return errors.Wrapf(err, "putting S3 object %v", name)
	}
	return nil
}
