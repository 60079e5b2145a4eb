package storage

import (
	"go.uber.org/zap"

	"github.com/onexay/gitstore/internal/metrics"
	"github.com/onexay/gitstore/internal/types"
)

const (
	defaultExtractConcurrency = 5
	defaultMaxUploadBytes     = 512 << 20
	spoolDirName              = ".spool"
)

// Options control how the Manager lays out and mutates tenant repositories.
type Options struct {
	// Root is the storage root; every tenant repository is a direct child.
	Root string
	// GitBinary is the git executable, looked up in PATH when relative.
	GitBinary string
	// DefaultAuthor attributes commits made without an authenticated identity.
	DefaultAuthor types.Author
	// ExtractConcurrency bounds the number of archive entries written at once.
	ExtractConcurrency int
	// MaxUploadBytes caps a spooled request payload. Zero selects the
	// default, a negative value disables the cap.
	MaxUploadBytes int64
	// MaxExtractBytes caps the total uncompressed size of an archive. Zero disables the cap.
	MaxExtractBytes int64
	// Locker serializes mutations per tenant. Defaults to an in-process locker.
	Locker  Locker
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.GitBinary == "" {
		o.GitBinary = "git"
	}
	if o.ExtractConcurrency <= 0 {
		o.ExtractConcurrency = defaultExtractConcurrency
	}
	if o.MaxUploadBytes == 0 {
		o.MaxUploadBytes = defaultMaxUploadBytes
	}
	if o.Locker == nil {
		o.Locker = NewMemoryLocker()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
