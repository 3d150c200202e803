// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: June 2026
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workitem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the slice of the S3 client the store uses.
type S3API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// s3ListCap bounds how many keys one List call will pull before sorting.
// S3 lists lexicographically, so oldest-first requires collecting the
// candidates and sorting by LastModified client-side.
const s3ListCap = 1000

// S3Store keeps objects in a bucket, optionally under a key prefix.
// Attributes ride as S3 user metadata; copies are server-side with the
// REPLACE metadata directive when attributes change.
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// NewS3Store builds a store over bucket; prefix (may be empty) is prepended
// to every key.
func NewS3Store(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

var _ Store = (*S3Store)(nil)

func (s *S3Store) full(key string) string { return s.prefix + key }

func (s *S3Store) Put(ctx context.Context, key string, body []byte, attrs map[string]string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(s.full(key)),
		Body:     bytes.NewReader(body),
		Metadata: attrs,
	})
	if err != nil {
		return fmt.Errorf("workitem: s3 put %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Head(ctx context.Context, key string) (Object, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.full(key)),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return Object{}, ErrNotExist
		}
		return Object{}, fmt.Errorf("workitem: s3 head %s: %w", key, err)
	}
	attrs := out.Metadata
	if attrs == nil {
		attrs = map[string]string{}
	}
	return Object{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
		Attrs:        attrs,
	}, nil
}

func (s *S3Store) List(ctx context.Context, prefix string, max int) ([]Object, error) {
	var out []Object
	var token *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(s.full(prefix)),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("workitem: s3 list %s: %w", prefix, err)
		}
		for _, o := range page.Contents {
			key := aws.ToString(o.Key)
			if len(key) < len(s.prefix) {
				continue
			}
			out = append(out, Object{
				Key:          key[len(s.prefix):],
				Size:         aws.ToInt64(o.Size),
				LastModified: aws.ToTime(o.LastModified),
			})
		}
		if !aws.ToBool(page.IsTruncated) || len(out) >= s3ListCap {
			break
		}
		token = page.NextContinuationToken
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastModified.Equal(out[j].LastModified) {
			return out[i].LastModified.Before(out[j].LastModified)
		}
		return out[i].Key < out[j].Key
	})
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func (s *S3Store) Copy(ctx context.Context, src, dst string, attrs map[string]string) error {
	dst, err := cleanKey(dst)
	if err != nil {
		return err
	}
	in := &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(s.full(dst)),
		CopySource:        aws.String(copySource(s.bucket, s.full(src))),
		MetadataDirective: types.MetadataDirectiveCopy,
	}
	if attrs != nil {
		in.Metadata = attrs
		in.MetadataDirective = types.MetadataDirectiveReplace
	}
	if _, err := s.client.CopyObject(ctx, in); err != nil {
		return fmt.Errorf("workitem: s3 copy %s to %s: %w", src, dst, err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.full(key)),
	})
	if err != nil {
		return fmt.Errorf("workitem: s3 delete %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	objs, err := s.List(ctx, prefix, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for start := 0; start < len(objs); start += 1000 {
		end := start + 1000
		if end > len(objs) {
			end = len(objs)
		}
		batch := make([]types.ObjectIdentifier, 0, end-start)
		for _, o := range objs[start:end] {
			batch = append(batch, types.ObjectIdentifier{Key: aws.String(s.full(o.Key))})
		}
		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: batch, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return n, fmt.Errorf("workitem: s3 delete prefix %s: %w", prefix, err)
		}
		n += len(batch)
	}
	return n, nil
}

// copySource formats the x-amz-copy-source header value: bucket/key with
// each path segment URL-escaped, slashes preserved.
func copySource(bucket, key string) string {
	u := url.URL{Path: bucket + "/" + key}
	return u.EscapedPath()
}
