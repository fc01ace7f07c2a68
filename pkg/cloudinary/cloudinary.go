// Package cloudinary stores learner file submissions so graders can fetch
// them by URL.
package cloudinary

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/rs/zerolog"
)

// Config contains credentials required to talk to Cloudinary.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// Store uploads submission files as raw assets.
type Store struct {
	client *cloudinary.Cloudinary
	folder string
	logger zerolog.Logger
}

// New constructs a store.
func New(cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("cloudinary credentials must be provided")
	}

	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary: %w", err)
	}

	folder := strings.Trim(cfg.Folder, "/")
	if folder == "" {
		folder = "gema/submissions"
	}

	return &Store{
		client: cld,
		folder: folder,
		logger: logger.With().Str("component", "file_store").Logger(),
	}, nil
}

// Put uploads body and returns its secure URL. prefix groups the files of
// one submission; the public id keeps the name the learner submitted.
func (s *Store) Put(ctx context.Context, prefix, name string, body io.Reader) (string, error) {
	params := uploader.UploadParams{
		Folder:         path.Join(s.folder, safeSegment(prefix)),
		PublicID:       PublicID(name),
		ResourceType:   "raw",
		Overwrite:      api.Bool(true),
		UniqueFilename: api.Bool(false),
		Tags:           []string{"submission"},
	}

	result, err := s.client.Upload.Upload(ctx, body, params)
	if err != nil {
		return "", fmt.Errorf("failed to upload submission file: %w", err)
	}
	if result.Error.Message != "" {
		return "", fmt.Errorf("failed to upload submission file: %s", result.Error.Message)
	}

	s.logger.Info().
		Str("public_id", result.PublicID).
		Str("prefix", prefix).
		Msg("submission file stored")

	return result.SecureURL, nil
}

// PublicID turns a file name into a Cloudinary public id. Raw assets keep
// their extension in the id.
func PublicID(name string) string {
	ext := path.Ext(name)
	base := safeSegment(strings.TrimSuffix(path.Base(name), ext))
	if base == "" {
		base = "file"
	}
	return base + strings.ToLower(safeSegment(ext))
}

func safeSegment(s string) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, s)
	return strings.Trim(out, "-")
}
