//go:build !unix

package page

import "github.com/hupe1980/searchpages/internal/fs"

func lockFile(fs.File) (func() error, error) {
	return func() error { return nil }, nil
}
