package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"orbit/api/internal/files"
)

type UploadTicket struct {
	Key       string `json:"key"`
	UploadURL string `json:"uploadUrl"`
}

// GenerateUploadURL issues a presigned upload and records selfID as the
// only user allowed to delete the object later.
func (s *Service) GenerateUploadURL(ctx context.Context, selfID string) (UploadTicket, error) {
	if s.files == nil {
		return UploadTicket{}, InvalidState("File storage is not configured")
	}
	key, url, err := s.files.GenerateUploadURL(ctx)
	if err != nil {
		return UploadTicket{}, err
	}
	if err := s.store.RecordUpload(ctx, key, selfID, s.clock()); err != nil {
		return UploadTicket{}, err
	}
	return UploadTicket{Key: key, UploadURL: url}, nil
}

func (s *Service) GetFileURL(ctx context.Context, key string) (string, error) {
	if s.files == nil {
		return "", InvalidState("File storage is not configured")
	}
	url, err := s.files.GetURL(ctx, strings.TrimSpace(key))
	if errors.Is(err, files.ErrInvalidKey) {
		return "", InvalidArgument("key is invalid")
	}
	return url, err
}

func (s *Service) DeleteFile(ctx context.Context, selfID, key string) error {
	if s.files == nil {
		return InvalidState("File storage is not configured")
	}
	key = strings.TrimSpace(key)
	if !files.ValidKey(key) {
		return InvalidArgument("key is invalid")
	}
	owner, err := s.store.UploadOwner(ctx, key)
	if errors.Is(err, sql.ErrNoRows) {
		return NotFound("File")
	}
	if err != nil {
		return err
	}
	if owner != selfID {
		return NotAuthorized("Only the uploader can delete this file")
	}
	if err := s.files.Delete(ctx, key); err != nil {
		return err
	}
	return s.store.DeleteUpload(ctx, key)
}
