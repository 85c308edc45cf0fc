/*
Copyright © 2025 Marshall-mk
*/

package main

import (
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"time"
)

func (c *Config) staticDir() string {
	return filepath.Join(c.dataDir, "static")
}

func (c *Config) imageDir() string {
	return filepath.Join(c.dataDir, "static", "images")
}

func (c *Config) tempDir() string {
	return filepath.Join(c.dataDir, "static", "images", "temp")
}

func (c *Config) catalogPath() string {
	return filepath.Join(c.dataDir, "questions.json")
}

func ensureDirs(cfg *Config) error {
	return os.MkdirAll(cfg.tempDir(), 0755)
}

// loadSourceImage decodes one level image from disk.
func loadSourceImage(cfg *Config, level, imageName string) (image.Image, error) {
	path := filepath.Join(cfg.imageDir(), level, imageName)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", errImageNotFound, path)
		}
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	return img, nil
}

// writeArtifact encodes a rendered puzzle to the temp directory and
// returns the artifact's file name. Names carry the truncated session
// token, level and a millisecond timestamp, so each render is unique
// and the reaper can age them out.
func writeArtifact(cfg *Config, kind string, s *Session, img *image.Gray) (string, error) {
	if err := os.MkdirAll(cfg.tempDir(), 0755); err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s_%s_%s_%d.jpg", kind, s.token[:8], s.level, time.Now().UnixMilli())
	path := filepath.Join(cfg.tempDir(), name)

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 90}); err != nil {
		return "", err
	}

	return name, nil
}

// reapArtifacts removes rendered puzzle images older than the configured
// max age. Called opportunistically from the image-fetch path, outside
// any session lock.
func reapArtifacts(cfg *Config) int {
	entries, err := os.ReadDir(cfg.tempDir())
	if err != nil {
		return 0
	}

	cutoff := time.Now().Add(-cfg.artifactMaxAge)
	removed := 0

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jpg" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(filepath.Join(cfg.tempDir(), entry.Name())) == nil {
				removed++
			}
		}
	}

	return removed
}

func humanReadableSize(bytes int64) string {
	const unit int64 = 1000
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := unit, 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB",
		float64(bytes)/float64(div),
		"kMGTPE"[exp])
}
