package source

import (
	"fmt"
	"os"
	"path/filepath"
)

// Cache keeps the last databases that made it into the tables.
type Cache struct {
	dir string
}

func NewCache(dir string) *Cache {
	return &Cache{
		dir: dir,
	}
}

func (c *Cache) path(kind Kind) string {
	return filepath.Join(c.dir, string(kind)+".mmdb")
}

func (c *Cache) Load(kind Kind) ([]byte, error) {
	data, err := os.ReadFile(c.path(kind))
	if err != nil {
		return nil, fmt.Errorf("read cache: %w", err)
	}

	return data, nil
}

// Store replaces the cached database atomically.
func (c *Cache) Store(kind Kind, data []byte) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(c.dir, string(kind)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	if err := os.Rename(tmp.Name(), c.path(kind)); err != nil {
		return fmt.Errorf("rename: %w", err)
	}

	return nil
}
