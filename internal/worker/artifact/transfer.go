package artifact

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
)

// Download copies key from store into the local file dst.
// A partially written dst is removed on failure.
func Download(ctx context.Context, store Store, key, dst string) (int64, error) {
	body, err := store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return 0, fmt.Errorf("create download dir: %w", err)
	}

	f, err := os.Create(dst) // #nosec G304 - dst is inside the job workspace
	if err != nil {
		return 0, fmt.Errorf("create download file: %w", err)
	}

	n, err := io.Copy(f, body)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(dst)
		return n, fmt.Errorf("write download file: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(dst)
		return n, fmt.Errorf("close download file: %w", err)
	}

	return n, nil
}

// UploadTree walks root depth-first and uploads every regular file to
// prefix/<relative path>. It stops at the first failure; objects already
// written are left in place. Returns the uploaded keys in walk order.
func UploadTree(ctx context.Context, store Store, root, prefix string) ([]string, error) {
	var keys []string

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return fmt.Errorf("relative path for %s: %w", p, err)
		}
		key := path.Join(prefix, filepath.ToSlash(rel))

		if err := uploadFile(ctx, store, p, key); err != nil {
			return err
		}
		keys = append(keys, key)
		return nil
	})

	return keys, err
}

func uploadFile(ctx context.Context, store Store, localPath, key string) error {
	f, err := os.Open(localPath) // #nosec G304 - path comes from walking the job workspace
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}

	if err := store.Put(ctx, key, f, info.Size(), ContentType(localPath)); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}
