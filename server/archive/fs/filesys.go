// Package fs implements archive interface storing history chunks in a file system.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/tinode/swarmagg/server/archive"
)

const (
	handlerName = "fs"

	defaultDir = "./archive"
)

type configType struct {
	// Directory to keep chunks in.
	Dir string `json:"dir"`
}

type fshandler struct {
	dir string
}

// Init initializes the handler and creates the directory if needed.
func (fh *fshandler) Init(jsconf json.RawMessage) error {
	var config configType
	if len(jsconf) > 0 {
		if err := json.Unmarshal(jsconf, &config); err != nil {
			return errors.New("failed to parse config: " + err.Error())
		}
	}
	if config.Dir == "" {
		config.Dir = defaultDir
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return err
	}
	fh.dir = config.Dir
	return nil
}

// location returns path to the chunk. Chunks are spread across two levels of nested
// directories so no single directory gets too large.
func (fh *fshandler) location(ref string) string {
	return filepath.Join(fh.dir, ref[:2], ref[2:4], ref)
}

// Put writes the chunk into a temporary file then moves it in place.
func (fh *fshandler) Put(ctx context.Context, ref string, data []byte) error {
	if err := archive.ValidRef(ref); err != nil {
		return err
	}

	loc := fh.location(ref)
	if err := os.MkdirAll(filepath.Dir(loc), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(loc), ref+".*.tmp")
	if err != nil {
		return err
	}
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err = os.Rename(tmp.Name(), loc); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// Get reads the chunk.
func (fh *fshandler) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := archive.ValidRef(ref); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(fh.location(ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil, archive.ErrNotFound
	}
	return data, err
}

func init() {
	archive.Register(handlerName, &fshandler{})
}
