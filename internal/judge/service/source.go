package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"time"

	"codejudge/internal/common/storage"
	appErr "codejudge/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

// SourceLoader fetches submitted sources from object storage. Objects with a
// .zst suffix or an application/zstd content type are decompressed.
type SourceLoader struct {
	storage  storage.ObjectStorage
	bucket   string
	maxBytes int64
	timeout  time.Duration
}

// NewSourceLoader creates a loader. maxBytes caps the decompressed size.
func NewSourceLoader(store storage.ObjectStorage, bucket string, maxBytes int, timeout time.Duration) *SourceLoader {
	if maxBytes <= 0 {
		maxBytes = defaultMaxSourceBytes
	}
	return &SourceLoader{storage: store, bucket: bucket, maxBytes: int64(maxBytes), timeout: timeout}
}

// Load returns the object content. When expectedHash is set it must match
// the sha256 of the decompressed content.
func (l *SourceLoader) Load(ctx context.Context, key, expectedHash string) (string, error) {
	if key == "" {
		return "", appErr.ValidationError("source_key", "required")
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	stat, err := l.storage.StatObject(ctx, l.bucket, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return "", appErr.New(appErr.ObjectNotFound).WithMessagef("source object %s not found", key)
		}
		return "", appErr.Wrapf(err, appErr.StorageError, "stat source failed")
	}
	compressed := strings.HasSuffix(key, ".zst") || stat.ContentType == "application/zstd"
	if !compressed && stat.SizeBytes > l.maxBytes {
		return "", appErr.New(appErr.CodeTooLarge).WithDetail("size_bytes", stat.SizeBytes)
	}

	obj, err := l.storage.GetObject(ctx, l.bucket, key)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "download source failed")
	}
	defer obj.Close()

	var reader io.Reader = obj
	if compressed {
		dec, err := zstd.NewReader(obj)
		if err != nil {
			return "", appErr.Wrapf(err, appErr.StorageError, "open zstd source failed")
		}
		defer dec.Close()
		reader = dec
	}

	hasher := sha256.New()
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.TeeReader(io.LimitReader(reader, l.maxBytes+1), hasher))
	if err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "read source failed")
	}
	if n > l.maxBytes {
		return "", appErr.New(appErr.CodeTooLarge).WithDetail("limit_bytes", l.maxBytes)
	}
	if expectedHash != "" {
		actual := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(actual, expectedHash) {
			return "", appErr.New(appErr.InvalidParams).WithMessage("source hash mismatch")
		}
	}
	return buf.String(), nil
}
