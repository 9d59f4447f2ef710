package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// FilesystemAvatarStore keeps profile images as files under a base directory.
type FilesystemAvatarStore struct {
	basePath string
}

func NewFilesystemAvatarStore(basePath string) (*FilesystemAvatarStore, error) {
	avatarsPath := filepath.Join(basePath, "avatars")
	if err := os.MkdirAll(avatarsPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create avatars path: %w", err)
	}
	return &FilesystemAvatarStore{basePath: basePath}, nil
}

func (f *FilesystemAvatarStore) PutAvatar(ctx context.Context, userID string, data []byte) (string, error) {
	ref := fmt.Sprintf("avatars/%s.png", userID)
	if err := os.WriteFile(filepath.Join(f.basePath, ref), data, 0644); err != nil {
		return "", fmt.Errorf("failed to write avatar file: %w", err)
	}
	return ref, nil
}

func (f *FilesystemAvatarStore) GetAvatar(ctx context.Context, ref string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(f.basePath, filepath.Clean(ref)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read avatar file: %w", err)
	}
	return data, nil
}

// S3AvatarStore keeps profile images in an S3-compatible bucket.
type S3AvatarStore struct {
	client *minio.Client
	bucket string
}

func NewS3AvatarStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*S3AvatarStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &S3AvatarStore{
		client: client,
		bucket: bucket,
	}, nil
}

func (s *S3AvatarStore) PutAvatar(ctx context.Context, userID string, data []byte) (string, error) {
	ref := fmt.Sprintf("avatars/%s.png", userID)

	_, err := s.client.PutObject(ctx, s.bucket, ref, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "image/png",
	})
	if err != nil {
		return "", fmt.Errorf("failed to save avatar to S3: %w", err)
	}
	return ref, nil
}

func (s *S3AvatarStore) GetAvatar(ctx context.Context, ref string) ([]byte, error) {
	object, err := s.client.GetObject(ctx, s.bucket, ref, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get avatar from S3: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read avatar data: %w", err)
	}
	return data, nil
}
