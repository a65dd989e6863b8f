// Package fetch implements the artifact writer: it streams a remote resource
// to local storage while fingerprinting the bytes, and reconciles the result
// against previously stored artifacts (duplicate reuse and path repair).
package fetch

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/grabbitd/grabbit/internal/artifact"
	"github.com/grabbitd/grabbit/internal/convert"
	"github.com/grabbitd/grabbit/pkg/logger"
)

var log = logger.Get("Fetch")

type (
	Config struct {
		DownloadDir string        `yaml:"download_dir" env:"DOWNLOAD_DIR" env-default:"downloads"`
		Timeout     time.Duration `yaml:"timeout" env:"FETCH_TIMEOUT" env-default:"60s"`
		UserAgent   string        `yaml:"user_agent" env:"FETCH_USER_AGENT" env-default:"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"`
	}

	// FingerprintIndex is the lookup the writer performs once a download's
	// fingerprint is final. Implementations return ErrArtifactNotFound for a
	// novel fingerprint.
	FingerprintIndex interface {
		GetByFingerprint(fingerprint string) (*artifact.Artifact, error)
	}

	Request struct {
		OriginURL string
		Permalink string
		Subreddit string

		// PriorFilename is the filename recorded by an earlier ingest of this
		// exact URL, reused verbatim when present so restores land on the
		// original name.
		PriorFilename string
	}

	// Result describes where the bytes ended up. When Existing is set the
	// fingerprint matched a stored artifact: Repaired=false means the new
	// bytes were discarded in favour of the existing file, Repaired=true
	// means the existing artifact's file was missing and its path should be
	// corrected to FilePath.
	Result struct {
		FilePath    string
		Filename    string
		FileSize    int64
		Fingerprint string
		Existing    *artifact.Artifact
		Repaired    bool
	}

	Writer struct {
		config       Config
		client       *http.Client
		converter    *convert.Converter
		fingerprints FingerprintIndex
	}
)

func NewWriter(config Config, converter *convert.Converter, fingerprints FingerprintIndex) *Writer {
	return &Writer{
		config:       config,
		client:       &http.Client{Timeout: config.Timeout},
		converter:    converter,
		fingerprints: fingerprints,
	}
}

// Fetch streams the origin URL to the destination directory and reconciles the
// fingerprint against the index. All expected failure modes (network, disk,
// conversion) come back as errors the caller tallies per-item; a partially
// written file is never left behind.
func (writer *Writer) Fetch(ctx context.Context, request Request) (*Result, error) {
	folder := writer.config.DownloadDir
	if request.Subreddit != "" {
		folder = filepath.Join(folder, SanitizeFolderName(request.Subreddit))
	}
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory %s: %w", folder, err)
	}

	filename := request.PriorFilename
	if filename == "" {
		filename = DeriveFilename(request.OriginURL, request.Permalink)
		if _, err := os.Stat(filepath.Join(folder, filename)); err == nil {
			ext := filepath.Ext(filename)
			stem := filename[:len(filename)-len(ext)]
			filename = fmt.Sprintf("%s_%s%s", stem, time.Now().Format("20060102_150405"), ext)
		}
	}
	filePath := filepath.Join(folder, filename)

	fingerprint, size, err := writer.stream(ctx, request.OriginURL, filePath)
	if err != nil {
		return nil, err
	}

	if writer.converter != nil && writer.converter.IsConvertible(filePath) {
		if converted, convErr := writer.converter.GifToMP4(ctx, filePath); convErr != nil {
			log.Emit(logger.WARNING, "Conversion of %s failed (keeping original): %v\n", filePath, convErr)
		} else {
			filePath = converted
			filename = filepath.Base(converted)
			if info, statErr := os.Stat(converted); statErr == nil {
				size = info.Size()
			}
		}
	}

	result := &Result{
		FilePath:    filePath,
		Filename:    filename,
		FileSize:    size,
		Fingerprint: fingerprint,
	}

	existing, err := writer.fingerprints.GetByFingerprint(fingerprint)
	if err != nil {
		if errors.Is(err, artifact.ErrArtifactNotFound) {
			return result, nil
		}

		return nil, fmt.Errorf("fingerprint lookup failed: %w", err)
	}

	if _, statErr := os.Stat(existing.FilePath); statErr == nil {
		// True duplicate. Discard the bytes we just wrote and reuse the
		// stored artifact's file.
		if existing.FilePath != filePath {
			if removeErr := os.Remove(filePath); removeErr != nil {
				log.Emit(logger.WARNING, "Failed to remove duplicate download %s: %v\n", filePath, removeErr)
			}
		}

		log.Emit(logger.INFO, "Duplicate content for %s (fingerprint %s), reusing %s\n", request.OriginURL, fingerprint, existing.Filename)
		result.FilePath = existing.FilePath
		result.Filename = existing.Filename
		result.FileSize = existing.FileSize
		result.Existing = existing
		return result, nil
	}

	// The stored artifact's file went missing out-of-band; keep the fresh
	// bytes and let the caller point the artifact at them.
	log.Emit(logger.INFO, "Repairing artifact %s, file %s is missing\n", existing.ID, existing.FilePath)
	result.Existing = existing
	result.Repaired = true
	return result, nil
}

// stream downloads the response body while hashing it, writing to a temporary
// sibling of filePath and renaming over the target only once the copy has
// fully succeeded. A re-fetch over an existing file therefore keeps the stored
// bytes intact when the transfer fails mid-body; only the temporary file is
// removed.
func (writer *Writer) stream(ctx context.Context, originURL string, filePath string) (string, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, originURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("failed to construct request for %s: %w", originURL, err)
	}
	req.Header.Set("User-Agent", writer.config.UserAgent)

	resp, err := writer.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("failed to fetch %s: %w", originURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", 0, fmt.Errorf("failed to fetch %s: status %s", originURL, resp.Status)
	}

	partPath := filePath + ".part"
	file, err := os.Create(partPath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create %s: %w", partPath, err)
	}

	hasher := md5.New()
	written, err := io.Copy(io.MultiWriter(file, hasher), resp.Body)
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(partPath)
		return "", 0, fmt.Errorf("failed to write %s: %w", partPath, err)
	}

	if err := os.Rename(partPath, filePath); err != nil {
		os.Remove(partPath)
		return "", 0, fmt.Errorf("failed to move %s into place: %w", partPath, err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), written, nil
}
