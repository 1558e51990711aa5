// Package ident hands out ULIDs: a stable instance ID for the frame server,
// kept in its data directory, plus fresh IDs for player sessions and
// request tracing. ULIDs sort by creation time, so log lines tagged with
// them line up without a separate timestamp.
package ident

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/oklog/ulid/v2"
)

const instanceFile = "instance_id"

// Instance is the persistent identity of one frame server data directory.
type Instance struct {
	id      string
	dataDir string
}

// Open returns the Instance stored in dataDir, creating the directory and a
// new ID on first use. A non-empty override that is not "auto" must be a
// valid ULID and replaces the stored one for this process only.
func Open(dataDir, override string) (*Instance, error) {
	if dataDir == "" {
		return nil, errors.New("ident: dataDir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("ident: create data dir: %w", err)
	}

	if override != "" && override != "auto" {
		if err := Validate(override); err != nil {
			return nil, fmt.Errorf("ident: invalid id override %q: %w", override, err)
		}
		return &Instance{id: override, dataDir: dataDir}, nil
	}

	id, err := loadOrCreate(dataDir)
	if err != nil {
		return nil, err
	}
	return &Instance{id: id, dataDir: dataDir}, nil
}

// ID returns the instance ULID.
func (i *Instance) ID() string { return i.id }

// DataDir returns the directory the ID lives in.
func (i *Instance) DataDir() string { return i.dataDir }

func loadOrCreate(dataDir string) (string, error) {
	path := filepath.Join(dataDir, instanceFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if err := Validate(id); err != nil {
			return "", fmt.Errorf("ident: persisted id %q is invalid: %w", id, err)
		}
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("ident: read id file: %w", err)
	}

	id, err := NewID()
	if err != nil {
		return "", fmt.Errorf("ident: generate id: %w", err)
	}
	// A crash mid-write must not leave a truncated ID behind.
	if err := renameio.WriteFile(path, []byte(id+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("ident: persist id: %w", err)
	}
	return id, nil
}

// Shared monotonic entropy keeps IDs ordered within the same millisecond.
var (
	monoMu      sync.Mutex
	monoEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a fresh ULID string.
func NewID() (string, error) {
	monoMu.Lock()
	defer monoMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), monoEntropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustNewID is like NewID but panics on error.
func MustNewID() string {
	id, err := NewID()
	if err != nil {
		panic(fmt.Sprintf("ident.MustNewID: %v", err))
	}
	return id
}

// Validate returns an error if s is not a well-formed ULID.
func Validate(s string) error {
	_, err := ulid.ParseStrict(s)
	return err
}

// Time returns the creation time encoded in id.
func Time(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}
