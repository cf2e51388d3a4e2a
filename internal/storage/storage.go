/*
Copyright 2024 Kiln Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package storage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/kilnhq/kiln/config"
	"github.com/kilnhq/kiln/model"
	"github.com/pkg/errors"
)

// S3Mirror copies provider result files into an S3 compatible bucket so that
// completed jobs do not depend on provider-hosted URLs that may expire.
type S3Mirror struct {
	cfg      config.StorageConfig
	kinds    map[model.Kind]bool
	client   *http.Client
	uploader *s3manager.Uploader
}

// NewS3Mirror builds a mirror from cfg. A nil client uses a 60 second default.
func NewS3Mirror(cfg config.StorageConfig, client *http.Client) (*S3Mirror, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage bucket is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	awsConfig := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(cfg.ForcePathStyle),
		HTTPClient:       client,
	}
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}
	if cfg.AccessKeyID != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create storage session")
	}

	kinds := make(map[model.Kind]bool, len(cfg.Kinds))
	for _, k := range cfg.Kinds {
		kinds[model.Kind(strings.ToLower(k))] = true
	}

	return &S3Mirror{
		cfg:      cfg,
		kinds:    kinds,
		client:   client,
		uploader: s3manager.NewUploader(sess),
	}, nil
}

// Handles reports whether results of kind are mirrored. An empty kind list mirrors everything.
func (m *S3Mirror) Handles(kind model.Kind) bool {
	return len(m.kinds) == 0 || m.kinds[kind]
}

// Mirror downloads sourceURL and stores it under <prefix>/<kind>/<job id><ext>,
// returning the stored object's URL.
func (m *S3Mirror) Mirror(ctx context.Context, job *model.Job, sourceURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", errors.Wrap(err, "invalid result url")
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "failed to download result of job %s", job.JobID)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("failed to download result of job %s: status %d", job.JobID, resp.StatusCode)
	}

	key := m.objectKey(job, sourceURL)
	input := &s3manager.UploadInput{
		Bucket: aws.String(m.cfg.Bucket),
		Key:    aws.String(key),
		Body:   resp.Body,
	}
	if contentType := resp.Header.Get("Content-Type"); contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	out, err := m.uploader.UploadWithContext(ctx, input)
	if err != nil {
		return "", errors.Wrapf(err, "failed to upload result of job %s", job.JobID)
	}

	if m.cfg.PublicBaseURL != "" {
		return strings.TrimRight(m.cfg.PublicBaseURL, "/") + "/" + key, nil
	}
	return out.Location, nil
}

func (m *S3Mirror) objectKey(job *model.Job, sourceURL string) string {
	ext := ""
	if u, err := url.Parse(sourceURL); err == nil {
		ext = path.Ext(u.Path)
	}
	name := fmt.Sprintf("%s/%s%s", job.Kind, job.JobID, ext)
	prefix := strings.Trim(m.cfg.Prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
