package action

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

// CodePuller fetches an action's code from a blob bucket into a local
// on-disk cache, keyed by code_ref so repeated Init calls for the same
// revision never re-fetch, the way the reference project's
// HandlerPuller caches pulled lambda code by name.
type CodePuller struct {
	bucketURL string
	cacheDir  string

	dirCache sync.Map // code_ref -> local file path
}

func NewCodePuller(bucketURL, cacheDir string) *CodePuller {
	return &CodePuller{bucketURL: bucketURL, cacheDir: cacheDir}
}

// Pull returns the local path to the action's code, downloading it
// from the configured bucket on first use.
func (p *CodePuller) Pull(ctx context.Context, codeRef string) (string, error) {
	if cached, ok := p.dirCache.Load(codeRef); ok {
		path := cached.(string)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		p.dirCache.Delete(codeRef)
	}

	bucket, err := blob.OpenBucket(ctx, p.bucketURL)
	if err != nil {
		return "", fmt.Errorf("open code bucket %s: %w", p.bucketURL, err)
	}
	defer bucket.Close()

	reader, err := bucket.NewReader(ctx, codeRef, nil)
	if err != nil {
		return "", fmt.Errorf("read %s from code bucket: %w", codeRef, err)
	}
	defer reader.Close()

	localPath := filepath.Join(p.cacheDir, hashRef(codeRef))
	if err := os.MkdirAll(p.cacheDir, 0755); err != nil {
		return "", fmt.Errorf("create code cache dir: %w", err)
	}

	f, err := os.Create(localPath)
	if err != nil {
		return "", fmt.Errorf("create local code file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, reader); err != nil {
		os.Remove(localPath)
		return "", fmt.Errorf("copy code to local cache: %w", err)
	}

	p.dirCache.Store(codeRef, localPath)
	return localPath, nil
}

// Reset drops any cached path for codeRef, forcing the next Pull to
// re-fetch.
func (p *CodePuller) Reset(codeRef string) {
	p.dirCache.Delete(codeRef)
}

func hashRef(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:])
}
