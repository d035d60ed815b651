package test

import (
	crypto_rand "crypto/rand"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pairwise-im/go-pairwise/config"
	db "github.com/pairwise-im/go-pairwise/internal/db"
)

func newSuffix() string {
	var b [8]byte
	if _, err := io.ReadFull(crypto_rand.Reader, b[:]); err != nil {
		panic("short read from random source")
	}
	return fmt.Sprintf("%x", b[:])
}

func DeleteAll(glob string) {
	files, err := filepath.Glob(glob)
	if err != nil {
		panic(err)
	}
	for _, f := range files {
		fileInfo, err := os.Stat(f)
		if err != nil {
			panic(err)
		}

		if fileInfo.IsDir() {
			DeleteAll(path.Join(f, "*"))
		} else {
			if err := os.Remove(f); err != nil {
				panic(err)
			}
		}
	}
}

func DBCleanup(run func() int) int {
	c := run()
	DeleteAll("*-journal")
	DeleteAll("test-*")
	return c
}

// Key used for test databases.
func Key() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func NewTestDatabase(c *config.Config) *db.Database {
	path := fmt.Sprintf("test-%s", newSuffix())
	d, err := db.NewDatabase(c, path)
	if err != nil {
		panic(err)
	}
	if err := d.Initialize(Key()); err != nil {
		panic(err)
	}
	if err := d.Open(Key()); err != nil {
		panic(err)
	}
	return d
}
