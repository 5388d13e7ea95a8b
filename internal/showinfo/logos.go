package showinfo

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	// Guide artwork arrives in whatever format the provider's CDN favors.
	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/webp"

	"github.com/google/renameio/v2"

	"github.com/tabtuner/tabtuner/internal/httpclient"
)

// maxLogoBytes caps artwork downloads. Guide art is small; anything
// larger is a misbehaving server.
const maxLogoBytes = 8 << 20

type logoKey struct {
	channel string
	url     string
}

// LogoCache downloads channel artwork, normalizes it to PNG and keeps it
// in a local directory so players never hit the provider's art CDN
// directly. Files are written atomically; a crashed write never leaves a
// truncated logo behind.
type LogoCache struct {
	dir    string
	client *httpclient.Client
	logger *slog.Logger

	mu     sync.Mutex
	cached map[logoKey]string
}

// NewLogoCache creates the cache directory if needed.
func NewLogoCache(dir string, client *httpclient.Client, logger *slog.Logger) (*LogoCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create logo dir: %w", err)
	}
	return &LogoCache{
		dir:    dir,
		client: client,
		logger: logger,
		cached: make(map[logoKey]string),
	}, nil
}

// Fetch returns the served URL path for a channel's artwork, downloading
// and converting on first sight. A channel whose artwork URL changes
// gets refetched; the served path stays stable per channel.
func (c *LogoCache) Fetch(ctx context.Context, channelKey, imageURL string) (string, error) {
	key := logoKey{channel: channelKey, url: imageURL}

	c.mu.Lock()
	if p, ok := c.cached[key]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	resp, err := c.client.Get(ctx, imageURL)
	if err != nil {
		return "", fmt.Errorf("fetch logo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("logo fetch returned %s", resp.Status)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxLogoBytes))
	if err != nil {
		return "", fmt.Errorf("read logo: %w", err)
	}

	data, err := normalizePNG(raw)
	if err != nil {
		return "", err
	}

	name := logoFileName(channelKey)
	if err := renameio.WriteFile(filepath.Join(c.dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("write logo: %w", err)
	}

	served := "/logos/" + name
	c.mu.Lock()
	c.cached[key] = served
	c.mu.Unlock()

	c.logger.Debug("logo cached", "channel", channelKey, "file", name)
	return served, nil
}

// normalizePNG re-encodes arbitrary artwork as PNG. GIF, JPEG and WebP
// decoders are registered via blank imports above.
func normalizePNG(raw []byte) ([]byte, error) {
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode logo (format %q): %w", format, err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode logo: %w", err)
	}
	return buf.Bytes(), nil
}

// logoFileName derives a filesystem- and URL-safe name from a channel key.
func logoFileName(key string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(key) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	name := strings.Trim(b.String(), "-")
	if name == "" {
		name = "channel"
	}
	return name + ".png"
}
