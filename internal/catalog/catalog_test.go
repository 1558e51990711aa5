package catalog_test

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/snehjoshi/lapse/internal/catalog"
	"github.com/snehjoshi/lapse/internal/tier"
)

func openTemp(t *testing.T) (*catalog.Catalog, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "catalog.db")
	c, err := catalog.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return c, path
}

var stamp = catalog.Stamp{ModTime: time.Date(2024, 5, 1, 12, 0, 0, 123, time.UTC), Size: 4096}

func TestCatalog_PutAndGet(t *testing.T) {
	c, _ := openTemp(t)
	defer c.Close()

	in := catalog.Rendition{Stamp: stamp, ContentType: "image/jpeg", Data: []byte("jpegbytes")}
	if err := c.Put(tier.Small, "0001.jpg", in); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := c.Get(tier.Small, "0001.jpg", stamp)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ContentType != "image/jpeg" {
		t.Errorf("content type: want image/jpeg, got %q", got.ContentType)
	}
	if !bytes.Equal(got.Data, in.Data) {
		t.Errorf("data: want %q, got %q", in.Data, got.Data)
	}
	if got.Stamp.Size != stamp.Size || !got.Stamp.ModTime.Equal(stamp.ModTime) {
		t.Errorf("stamp: want %+v, got %+v", stamp, got.Stamp)
	}
}

func TestCatalog_TiersAreSeparate(t *testing.T) {
	c, _ := openTemp(t)
	defer c.Close()

	_ = c.Put(tier.Small, "k.jpg", catalog.Rendition{Stamp: stamp, Data: []byte("s")})
	if _, err := c.Get(tier.Medium, "k.jpg", stamp); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("expected ErrNotFound at another tier, got %v", err)
	}
}

func TestCatalog_StaleStampIsNotFound(t *testing.T) {
	c, _ := openTemp(t)
	defer c.Close()

	_ = c.Put(tier.Large, "k.jpg", catalog.Rendition{Stamp: stamp, Data: []byte("old")})

	changed := stamp
	changed.Size++
	if _, err := c.Get(tier.Large, "k.jpg", changed); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("size change: expected ErrNotFound, got %v", err)
	}
	touched := stamp
	touched.ModTime = touched.ModTime.Add(time.Second)
	if _, err := c.Get(tier.Large, "k.jpg", touched); !errors.Is(err, catalog.ErrNotFound) {
		t.Errorf("mtime change: expected ErrNotFound, got %v", err)
	}
}

func TestCatalog_UnknownTierPut(t *testing.T) {
	c, _ := openTemp(t)
	defer c.Close()

	if err := c.Put(tier.Tier("huge"), "k.jpg", catalog.Rendition{}); !errors.Is(err, tier.ErrUnknown) {
		t.Errorf("expected tier.ErrUnknown, got %v", err)
	}
}

func TestCatalog_Invalidate(t *testing.T) {
	c, _ := openTemp(t)
	defer c.Close()

	for _, tr := range []tier.Tier{tier.Small, tier.Medium} {
		_ = c.Put(tr, "k.jpg", catalog.Rendition{Stamp: stamp, Data: []byte("x")})
	}
	_ = c.Put(tier.Small, "other.jpg", catalog.Rendition{Stamp: stamp, Data: []byte("y")})

	if err := c.Invalidate("k.jpg"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	for _, tr := range []tier.Tier{tier.Small, tier.Medium} {
		if _, err := c.Get(tr, "k.jpg", stamp); !errors.Is(err, catalog.ErrNotFound) {
			t.Errorf("%s: expected ErrNotFound after invalidate, got %v", tr, err)
		}
	}
	if _, err := c.Get(tier.Small, "other.jpg", stamp); err != nil {
		t.Errorf("unrelated key should survive, got %v", err)
	}
}

func TestCatalog_Prune(t *testing.T) {
	c, _ := openTemp(t)
	defer c.Close()

	_ = c.Put(tier.Small, "keep.jpg", catalog.Rendition{Stamp: stamp})
	_ = c.Put(tier.Small, "gone.jpg", catalog.Rendition{Stamp: stamp})
	_ = c.Put(tier.Large, "gone.jpg", catalog.Rendition{Stamp: stamp})

	n, err := c.Prune(map[string]bool{"keep.jpg": true})
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 removed, got %d", n)
	}
	if c.Len(tier.Small) != 1 || c.Len(tier.Large) != 0 {
		t.Errorf("unexpected lengths small=%d large=%d", c.Len(tier.Small), c.Len(tier.Large))
	}
}

func TestCatalog_PersistsAcrossReopen(t *testing.T) {
	c, path := openTemp(t)
	_ = c.Put(tier.Medium, "k.jpg", catalog.Rendition{Stamp: stamp, ContentType: "image/png", Data: []byte("png")})
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c2, err := catalog.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()

	got, err := c2.Get(tier.Medium, "k.jpg", stamp)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got.Data) != "png" {
		t.Errorf("expected png, got %q", got.Data)
	}
}
