package reference

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/patrickmn/go-cache"

	"scenegen/internal/domain"
	"scenegen/internal/infra"
)

const (
	defaultCacheExpiration = 30 * time.Minute
	cacheCleanupInterval   = time.Hour

	// LocalPathField is the prior context field holding the previous
	// sequence's local artifact.
	LocalPathField = "local_path"
)

var ErrNoReference = errors.New("reference: no reference image available")

var styleImages = map[domain.Style]string{
	domain.StyleGhibli:      "ghibli/ghibli-reference-01.jpg",
	domain.StyleAnime:       "anime/anime-reference-01.jpg",
	domain.StyleDisney:      "disney/disney-reference-01.jpg",
	domain.StyleDisneyPixar: "disney/disney-reference-01.jpg",
}

const defaultImage = "ghibli/ghibli-reference-01.jpg"

// Resolver picks the image a generation should stay consistent with and
// returns it base64 encoded. Encoded files are cached by path.
type Resolver struct {
	dir    string
	cache  *cache.Cache
	logger *infra.Logger
}

func NewResolver(referenceDir string, logger *infra.Logger) *Resolver {
	return &Resolver{
		dir:    referenceDir,
		cache:  cache.New(defaultCacheExpiration, cacheCleanupInterval),
		logger: infra.LoggerOrDiscard(logger),
	}
}

// Resolve prefers the previous sequence's artifact, then the style's
// reference image, then the default one.
func (r *Resolver) Resolve(prior *domain.ContinuityRecord, style domain.Style) (string, error) {
	var candidates []string
	if prior != nil {
		if p := prior.ContextString(LocalPathField); p != "" {
			candidates = append(candidates, p)
		}
	}
	if rel, ok := styleImages[domain.NormalizeStyle(string(style))]; ok {
		candidates = append(candidates, filepath.Join(r.dir, rel))
	}
	candidates = append(candidates, filepath.Join(r.dir, defaultImage))

	for _, path := range candidates {
		encoded, err := r.encode(path)
		if err == nil {
			r.logger.Debug().Str("path", path).Msg("reference: image selected")
			return encoded, nil
		}
		r.logger.Debug().Err(err).Str("path", path).Msg("reference: candidate skipped")
	}
	return "", ErrNoReference
}

func (r *Resolver) encode(path string) (string, error) {
	if v, ok := r.cache.Get(path); ok {
		return v.(string), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reference: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("reference: %s is empty", path)
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	r.cache.SetDefault(path, encoded)
	return encoded, nil
}
