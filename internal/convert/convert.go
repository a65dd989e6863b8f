// Package convert wraps the external ffmpeg binary for the GIF to MP4
// rendition produced during ingestion. The conversion is strictly best-effort:
// callers treat a failure as non-fatal and keep the original file.
package convert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/floostack/transcoder/ffmpeg"
	"github.com/grabbitd/grabbit/pkg/logger"
)

var log = logger.Get("Convert")

// gifScaleFilter rounds both dimensions down to even numbers, which yuv420p
// requires.
const gifScaleFilter = "scale=trunc(iw/2)*2:trunc(ih/2)*2"

type (
	Config struct {
		FfmpegBinPath  string        `yaml:"ffmpeg_binary" env:"FFMPEG_BINARY_PATH" env-default:"/usr/bin/ffmpeg"`
		FfprobeBinPath string        `yaml:"ffprobe_binary" env:"FFPROBE_BINARY_PATH" env-default:"/usr/bin/ffprobe"`
		Timeout        time.Duration `yaml:"timeout" env:"FFMPEG_TIMEOUT" env-default:"5m"`
	}

	Converter struct {
		config Config
	}
)

func New(config Config) *Converter {
	return &Converter{config: config}
}

// IsConvertible reports whether the file at path is one Grabbit converts to a
// motion-video rendition.
func (converter *Converter) IsConvertible(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".gif")
}

// GifToMP4 produces an MP4 rendition at the same stem as the input GIF,
// deletes the original on success, and returns the output path. The input file
// is left untouched when the conversion fails.
func (converter *Converter) GifToMP4(ctx context.Context, inputPath string) (string, error) {
	outputPath := strings.TrimSuffix(inputPath, filepath.Ext(inputPath)) + ".mp4"

	inputInfo, err := os.Stat(inputPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat conversion input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, converter.config.Timeout)
	defer cancel()

	movFlags := "faststart"
	pixFmt := "yuv420p"
	videoFilter := gifScaleFilter
	overwrite := true

	trans := ffmpeg.
		New(&ffmpeg.Config{
			ProgressEnabled: true,
			FfmpegBinPath:   converter.config.FfmpegBinPath,
			FfprobeBinPath:  converter.config.FfprobeBinPath,
		}).
		Input(inputPath).
		Output(outputPath).
		WithContext(&ctx)

	progress, err := trans.Start(ffmpeg.Options{
		MovFlags:    &movFlags,
		PixFmt:      &pixFmt,
		VideoFilter: &videoFilter,
		Overwrite:   &overwrite,
	})
	if err != nil {
		return "", parseFfmpegError(err)
	}

	// Drain the progress channel; it closes when ffmpeg exits.
	for range progress {
	}

	outputInfo, err := os.Stat(outputPath)
	if err != nil {
		return "", fmt.Errorf("conversion produced no output file: %w", err)
	}

	reduction := 0.0
	if inputInfo.Size() > 0 {
		reduction = float64(inputInfo.Size()-outputInfo.Size()) / float64(inputInfo.Size()) * 100
	}
	log.Emit(logger.SUCCESS, "Converted %s (GIF %.2fKB -> MP4 %.2fKB, reduced %.2f%%)\n",
		filepath.Base(inputPath), float64(inputInfo.Size())/1024, float64(outputInfo.Size())/1024, reduction)

	if err := os.Remove(inputPath); err != nil {
		log.Emit(logger.WARNING, "Failed to remove original GIF %s following conversion: %v\n", inputPath, err)
	}

	return outputPath, nil
}

func parseFfmpegError(err error) error {
	// The error ffmpeg surfaces contains pages of build configuration noise;
	// pick out the encoded 'message' JSON when present.
	messageMatcher := regexp.MustCompile(`(?s)message: ({.*})`)
	groups := messageMatcher.FindStringSubmatch(err.Error())
	if len(groups) == 0 {
		return err
	}

	var out map[string]interface{}
	if jsonErr := json.Unmarshal([]byte(groups[1]), &out); jsonErr != nil {
		return errors.New(groups[1])
	}

	if exception, ok := out["error"].(map[string]interface{}); ok {
		if str, ok := exception["string"].(string); ok {
			return errors.New(str)
		}
	}

	return err
}
