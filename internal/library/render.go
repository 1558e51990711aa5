package library

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	_ "image/gif"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/singleflight"

	"github.com/snehjoshi/lapse/internal/catalog"
	"github.com/snehjoshi/lapse/internal/metrics"
	"github.com/snehjoshi/lapse/internal/tier"
)

const jpegQuality = 85

// Rendition is one frame encoded for one tier.
type Rendition struct {
	ContentType string
	Data        []byte
	// Source is one of metrics.SourceCache, SourceScaled or SourceRaw.
	Source string
}

var scaling singleflight.Group

// Rendition returns key rendered for tier t. The original tier, and any
// source already no wider than the tier, is served byte for byte. Wider
// sources are scaled down to the tier width and cached in the catalog.
func (l *Library) Rendition(t tier.Tier, key string) (Rendition, error) {
	path, err := l.path(key)
	if err != nil {
		return Rendition{}, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Rendition{}, fmt.Errorf("%w: %q", ErrUnknownKey, key)
		}
		return Rendition{}, fmt.Errorf("library: stat %s: %w", key, err)
	}
	stamp := catalog.Stamp{ModTime: info.ModTime(), Size: info.Size()}

	if t.MaxWidth() > 0 && l.cat != nil {
		if r, err := l.cat.Get(t, key, stamp); err == nil {
			return l.served(t, Rendition{ContentType: r.ContentType, Data: r.Data, Source: metrics.SourceCache}), nil
		} else if !errors.Is(err, catalog.ErrNotFound) {
			l.log.Warn("catalog read failed", "tier", t, "key", key, "error", err)
		}
	}

	v, err, _ := scaling.Do(l.dir+"\x00"+string(t)+"\x00"+key, func() (any, error) {
		return l.render(t, key, path, stamp)
	})
	if err != nil {
		return Rendition{}, err
	}
	return l.served(t, v.(Rendition)), nil
}

func (l *Library) render(t tier.Tier, key, path string, stamp catalog.Stamp) (Rendition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Rendition{}, fmt.Errorf("library: read %s: %w", key, err)
	}
	rawRendition := Rendition{ContentType: ContentType(key), Data: raw, Source: metrics.SourceRaw}

	maxW := t.MaxWidth()
	if maxW == 0 {
		return rawRendition, nil
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return Rendition{}, fmt.Errorf("library: decode %s: %w", key, err)
	}
	if cfg.Width <= maxW {
		return rawRendition, nil
	}

	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Rendition{}, fmt.Errorf("library: decode %s: %w", key, err)
	}
	data, ct, err := encode(scale(src, maxW), key)
	if err != nil {
		return Rendition{}, fmt.Errorf("library: encode %s at %s: %w", key, t, err)
	}

	if l.cat != nil {
		if err := l.cat.Put(t, key, catalog.Rendition{Stamp: stamp, ContentType: ct, Data: data}); err != nil {
			l.log.Warn("catalog write failed", "tier", t, "key", key, "error", err)
		}
	}
	l.log.Debug("rendition scaled",
		"tier", t, "key", key,
		"from_width", cfg.Width, "to_width", maxW,
		"bytes", len(data),
	)
	return Rendition{ContentType: ct, Data: data, Source: metrics.SourceScaled}, nil
}

func (l *Library) served(t tier.Tier, r Rendition) Rendition {
	if l.reg != nil {
		l.reg.Renditions.Inc(metrics.RenditionKey(string(t), r.Source))
	}
	return r
}

// scale resizes src to width maxW, keeping its aspect ratio.
func scale(src image.Image, maxW int) image.Image {
	b := src.Bounds()
	h := b.Dy() * maxW / b.Dx()
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxW, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// encode writes PNG for PNG sources and JPEG for everything else.
func encode(img image.Image, key string) ([]byte, string, error) {
	var buf bytes.Buffer
	if strings.EqualFold(filepath.Ext(key), ".png") {
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), "image/png", nil
	}
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "image/jpeg", nil
}
