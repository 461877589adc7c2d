// Package s3 implements archive interface by storing history chunks in Amazon S3 bucket.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/tinode/swarmagg/server/archive"
	"github.com/tinode/swarmagg/server/logs"
)

const (
	handlerName = "s3"

	contentType = "application/json"
)

type awsconfig struct {
	AccessKeyId     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Region          string `json:"region"`
	DisableSSL      bool   `json:"disable_ssl"`
	ForcePathStyle  bool   `json:"force_path_style"`
	Endpoint        string `json:"endpoint"`
	BucketName      string `json:"bucket"`
	// Optional prefix of object keys, like "chunks/".
	KeyPrefix string `json:"key_prefix"`
}

type awshandler struct {
	svc      *s3.S3
	uploader *s3manager.Uploader
	conf     awsconfig
}

func (conf *awsconfig) validate() error {
	if conf.AccessKeyId == "" {
		return errors.New("missing Access Key ID")
	}
	if conf.SecretAccessKey == "" {
		return errors.New("missing Secret Access Key")
	}
	if conf.Region == "" {
		return errors.New("missing Region")
	}
	if conf.BucketName == "" {
		return errors.New("missing Bucket")
	}
	return nil
}

// Init initializes the archive handler and creates the bucket if it does not exist.
func (ah *awshandler) Init(jsconf json.RawMessage) error {
	var err error
	if err = json.Unmarshal(jsconf, &ah.conf); err != nil {
		return errors.New("failed to parse config: " + err.Error())
	}
	if err = ah.conf.validate(); err != nil {
		return err
	}

	var sess *session.Session
	if sess, err = session.NewSession(&aws.Config{
		Region:           aws.String(ah.conf.Region),
		DisableSSL:       aws.Bool(ah.conf.DisableSSL),
		S3ForcePathStyle: aws.Bool(ah.conf.ForcePathStyle),
		Endpoint:         aws.String(ah.conf.Endpoint),
		Credentials:      credentials.NewStaticCredentials(ah.conf.AccessKeyId, ah.conf.SecretAccessKey, ""),
	}); err != nil {
		return err
	}

	// Create S3 service client
	ah.svc = s3.New(sess)
	ah.uploader = s3manager.NewUploaderWithClient(ah.svc)

	// Check if bucket already exists.
	_, err = ah.svc.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(ah.conf.BucketName)})
	if err == nil {
		// Bucket exists
		return nil
	}

	if aerr, ok := err.(awserr.Error); !ok || aerr.Code() != s3.ErrCodeNoSuchBucket {
		// Hard error.
		return err
	}

	// Bucket does not exist. Create one.
	_, err = ah.svc.CreateBucket(&s3.CreateBucketInput{Bucket: aws.String(ah.conf.BucketName)})
	if err != nil {
		// Check if someone has already created a bucket.
		if aerr, ok := err.(awserr.Error); ok {
			if aerr.Code() == s3.ErrCodeBucketAlreadyExists ||
				aerr.Code() == s3.ErrCodeBucketAlreadyOwnedByYou ||
				// Someone is already creating this bucket:
				// OperationAborted: A conflicting conditional operation is currently in progress against this resource.
				aerr.Code() == "OperationAborted" {
				// Clear benign error
				err = nil
			}
		}
	} else {
		logs.Info.Println("s3: created bucket", ah.conf.BucketName)
	}
	return err
}

func (ah *awshandler) key(ref string) string {
	return ah.conf.KeyPrefix + ref
}

// Put uploads the chunk to the bucket.
func (ah *awshandler) Put(ctx context.Context, ref string, data []byte) error {
	if err := archive.ValidRef(ref); err != nil {
		return err
	}

	_, err := ah.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(ah.conf.BucketName),
		Key:         aws.String(ah.key(ref)),
		ContentType: aws.String(contentType),
		Body:        bytes.NewReader(data),
	})
	return err
}

// Get downloads the chunk from the bucket.
func (ah *awshandler) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := archive.ValidRef(ref); err != nil {
		return nil, err
	}

	out, err := ah.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ah.conf.BucketName),
		Key:    aws.String(ah.key(ref)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && (aerr.Code() == s3.ErrCodeNoSuchKey ||
			strings.Contains(aerr.Code(), "NotFound")) {
			return nil, archive.ErrNotFound
		}
		return nil, err
	}
	defer out.Body.Close()

	return io.ReadAll(out.Body)
}

func init() {
	archive.Register(handlerName, &awshandler{})
}
