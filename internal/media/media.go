// Package media stores post images in S3-compatible object storage.
package media

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Storage uploads and removes post media in a single bucket.
type Storage struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// New connects to an S3-compatible endpoint and verifies the bucket exists.
func New(endpoint, accessKey, secretKey, bucket, region, publicURL string, useSSL bool) (*Storage, error) {
	// Strip scheme if present
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")

	var creds *credentials.Credentials
	if accessKey == "" || secretKey == "" {
		// Use IAM role credentials if keys are not provided
		creds = credentials.NewIAM("")
	} else {
		creds = credentials.NewStaticV4(accessKey, secretKey, "")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: useSSL,
		Region: region,
	})
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", bucket)
	}

	if publicURL == "" {
		protocol := "http"
		if useSSL {
			protocol = "https"
		}
		publicURL = fmt.Sprintf("%s://%s.%s", protocol, bucket, endpoint)
	}
	publicURL = strings.TrimSuffix(publicURL, "/")

	return &Storage{
		client:    client,
		bucket:    bucket,
		publicURL: publicURL,
	}, nil
}

// postPrefix is the object key prefix holding every image of one post.
func postPrefix(ownerID, postID string) string {
	return fmt.Sprintf("posts/%s/%s/", ownerID, postID)
}

// extensionFor maps a content type to the stored file extension.
func extensionFor(contentType string) string {
	switch contentType {
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	default:
		return "jpg"
	}
}

// UploadImage stores one image under the post's prefix and returns its public URL.
func (s *Storage) UploadImage(ctx context.Context, ownerID, postID string, index int, data []byte, contentType string) (string, error) {
	key := fmt.Sprintf("%simage_%d.%s", postPrefix(ownerID, postID), index, extensionFor(contentType))
	reader := bytes.NewReader(data)
	_, err := s.client.PutObject(ctx, s.bucket, key, reader, int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return fmt.Sprintf("%s/%s", s.publicURL, key), nil
}

// RemovePostMedia deletes every object stored under the post's prefix.
func (s *Storage) RemovePostMedia(ctx context.Context, ownerID, postID string) error {
	prefix := postPrefix(ownerID, postID)
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var firstErr error
	for object := range objects {
		if object.Err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("list %s: %w", prefix, object.Err)
			}
			continue
		}
		if err := s.client.RemoveObject(ctx, s.bucket, object.Key, minio.RemoveObjectOptions{}); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove %s: %w", object.Key, err)
			}
		}
	}
	return firstErr
}
