package processing

import (
	"image"
	"time"

	"github.com/patrickmn/go-cache"
)

// ImageCache keeps decoded images in memory so that repeated requests for
// the same source skip disk and network I/O. Entries expire after the
// configured TTL. It is safe for concurrent use.
type ImageCache struct {
	processor *Processor
	images    *cache.Cache
}

// DefaultCacheTTL is how long an image stays cached without being loaded again
const DefaultCacheTTL = 10 * time.Minute

// NewImageCache creates a cache that loads misses through p
func NewImageCache(p *Processor, ttl time.Duration) *ImageCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ImageCache{
		processor: p,
		images:    cache.New(ttl, 2*ttl),
	}
}

// Load returns the cached image for source, loading it from a file or URL on a miss
func (c *ImageCache) Load(source string) (image.Image, error) {
	if v, ok := c.images.Get(source); ok {
		return v.(image.Image), nil
	}

	img, err := c.processor.LoadImageSmart(source)
	if err != nil {
		return nil, err
	}
	c.images.SetDefault(source, img)
	return img, nil
}

// Evict removes source from the cache
func (c *ImageCache) Evict(source string) {
	c.images.Delete(source)
}

// Clear removes every cached image
func (c *ImageCache) Clear() {
	c.images.Flush()
}

// Len returns the number of cached images, including expired entries not yet cleaned up
func (c *ImageCache) Len() int {
	return c.images.ItemCount()
}
