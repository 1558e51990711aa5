// Package catalog is the frame server's on-disk rendition cache. Scaling a
// full-size photo down to a tier is the expensive part of serving a frame,
// so each scaled rendition is stored once in a bbolt file and reused until
// the source image changes.
package catalog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/snehjoshi/lapse/internal/tier"
)

// ErrNotFound is returned when no usable rendition is stored: either none
// was ever written or the source has changed since.
var ErrNotFound = errors.New("catalog: rendition not found")

// Stamp identifies one version of a source image.
type Stamp struct {
	ModTime time.Time
	Size    int64
}

func (s Stamp) equal(o Stamp) bool {
	return s.Size == o.Size && s.ModTime.UnixNano() == o.ModTime.UnixNano()
}

// Rendition is a stored, already-encoded image at one tier.
type Rendition struct {
	Stamp       Stamp
	ContentType string
	Data        []byte
}

// Catalog maps (tier, key) to a Rendition. One bucket per tier.
type Catalog struct {
	db *bbolt.DB
}

// Open opens (or creates) the catalog at path.
func Open(path string) (*Catalog, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, t := range tier.All {
			if _, err := tx.CreateBucketIfNotExists([]byte(t)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: init buckets: %w", err)
	}

	return &Catalog{db: db}, nil
}

// Put stores r for key at tier t, replacing any older rendition.
func (c *Catalog) Put(t tier.Tier, key string, r Rendition) error {
	val := marshal(r)
	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(t))
		if b == nil {
			return fmt.Errorf("catalog: %w: %q", tier.ErrUnknown, t)
		}
		return b.Put([]byte(key), val)
	})
}

// Get returns the rendition for key at tier t if it was made from the
// source version want. A rendition from an older version is ErrNotFound.
func (c *Catalog) Get(t tier.Tier, key string, want Stamp) (Rendition, error) {
	var r Rendition
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(t))
		if b == nil {
			return ErrNotFound
		}
		val := b.Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		var err error
		// bbolt memory is only valid inside the transaction.
		r, err = unmarshal(val)
		return err
	})
	if err != nil {
		return Rendition{}, err
	}
	if !r.Stamp.equal(want) {
		return Rendition{}, ErrNotFound
	}
	return r, nil
}

// Invalidate drops every tier's rendition of key.
func (c *Catalog) Invalidate(key string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		for _, t := range tier.All {
			if b := tx.Bucket([]byte(t)); b != nil {
				if err := b.Delete([]byte(key)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Prune drops renditions whose key is not in live. It returns how many
// entries were removed.
func (c *Catalog) Prune(live map[string]bool) (int, error) {
	removed := 0
	err := c.db.Update(func(tx *bbolt.Tx) error {
		for _, t := range tier.All {
			b := tx.Bucket([]byte(t))
			if b == nil {
				continue
			}
			var stale [][]byte
			if err := b.ForEach(func(k, _ []byte) error {
				if !live[string(k)] {
					stale = append(stale, append([]byte(nil), k...))
				}
				return nil
			}); err != nil {
				return err
			}
			for _, k := range stale {
				if err := b.Delete(k); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// Len returns the number of stored renditions at tier t.
func (c *Catalog) Len(t tier.Tier) int {
	n := 0
	_ = c.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket([]byte(t)); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n
}

// Close closes the underlying bbolt database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// ---- serialisation helpers -------------------------------------------------
// A rendition is stored as:
//
//	[modTimeNs : 8 bytes, int64  ]
//	[size      : 8 bytes, int64  ]
//	[typeLen   : 1 byte          ]
//	[type      : typeLen bytes   ]
//	[data      : remaining bytes ]

const headerLen = 8 + 8 + 1

func marshal(r Rendition) []byte {
	ct := r.ContentType
	if len(ct) > 255 {
		ct = ct[:255]
	}
	buf := make([]byte, headerLen+len(ct)+len(r.Data))
	binary.BigEndian.PutUint64(buf[0:], uint64(r.Stamp.ModTime.UnixNano()))
	binary.BigEndian.PutUint64(buf[8:], uint64(r.Stamp.Size))
	buf[16] = uint8(len(ct))
	copy(buf[headerLen:], ct)
	copy(buf[headerLen+len(ct):], r.Data)
	return buf
}

func unmarshal(buf []byte) (Rendition, error) {
	if len(buf) < headerLen {
		return Rendition{}, fmt.Errorf("catalog: entry too short (%d bytes)", len(buf))
	}
	ctLen := int(buf[16])
	if headerLen+ctLen > len(buf) {
		return Rendition{}, fmt.Errorf("catalog: content type length %d overflows entry", ctLen)
	}
	data := make([]byte, len(buf)-headerLen-ctLen)
	copy(data, buf[headerLen+ctLen:])
	return Rendition{
		Stamp: Stamp{
			ModTime: time.Unix(0, int64(binary.BigEndian.Uint64(buf[0:]))),
			Size:    int64(binary.BigEndian.Uint64(buf[8:])),
		},
		ContentType: string(buf[headerLen : headerLen+ctLen]),
		Data:        data,
	}, nil
}
