// Level catalog
//
// questions.json maps level name → image name → quiz metadata. It is
// loaded once at startup and read by the game handlers; the only
// mutation path is admin image upload, which also persists the file
// back to disk.

package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
)

type Question struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Answer   string   `json:"answer"`
}

type ImageMeta struct {
	Organ     string     `json:"organ"`
	Modality  string     `json:"modality"`
	Questions []Question `json:"questions"`
}

type Catalog struct {
	mu     sync.RWMutex
	path   string
	levels []string // level names in play order
	images map[string]map[string]ImageMeta
}

// loadCatalog reads questions.json from path. Level order is the sorted
// key order (level_1 < level_2 < ...), which matches how levels are named.
func loadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}

	images := make(map[string]map[string]ImageMeta)
	if err := json.Unmarshal(data, &images); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	levels := make([]string, 0, len(images))
	for level := range images {
		levels = append(levels, level)
	}
	sort.Strings(levels)

	return &Catalog{
		path:   path,
		levels: levels,
		images: images,
	}, nil
}

// levelNames returns the ordered level list.
func (c *Catalog) levelNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, len(c.levels))
	copy(out, c.levels)
	return out
}

// meta returns the quiz metadata for one image.
func (c *Catalog) meta(level, imageName string) (ImageMeta, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	levelData, ok := c.images[level]
	if !ok {
		return ImageMeta{}, false
	}
	m, ok := levelData[imageName]
	return m, ok
}

// randomImage picks an image name from the given level.
func (c *Catalog) randomImage(level string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	levelData, ok := c.images[level]
	if !ok || len(levelData) == 0 {
		return "", errLevelNotFound
	}

	names := make([]string, 0, len(levelData))
	for name := range levelData {
		names = append(names, name)
	}
	sort.Strings(names)

	return names[rand.Intn(len(names))], nil
}

// addImage registers a new image under level, creating the level if it
// does not exist yet, and persists the catalog back to disk. Existing
// entries are left untouched.
func (c *Catalog) addImage(level, imageName string, meta ImageMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	levelData, ok := c.images[level]
	if !ok {
		levelData = make(map[string]ImageMeta)
		c.images[level] = levelData
		c.levels = append(c.levels, level)
		sort.Strings(c.levels)
	}

	if _, exists := levelData[imageName]; exists {
		return nil
	}
	levelData[imageName] = meta

	data, err := json.MarshalIndent(c.images, "", "    ")
	if err != nil {
		return fmt.Errorf("encoding catalog: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("writing catalog: %w", err)
	}

	return nil
}
