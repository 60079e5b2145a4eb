package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/onexay/gitstore/internal/git"
	"github.com/onexay/gitstore/internal/metrics"
	"github.com/onexay/gitstore/internal/types"
)

// Manager owns the tenant → repository mapping under a storage root.
type Manager struct {
	root    string
	spool   string
	opts    Options
	locker  Locker
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewManager prepares the storage root and returns a Manager for it.
func NewManager(opts Options) (*Manager, error) {
	opts = opts.withDefaults()
	if opts.Root == "" {
		return nil, errors.New("storage root is required")
	}

	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root %q: %w", opts.Root, err)
	}
	spool := filepath.Join(root, spoolDirName)
	if err := os.MkdirAll(spool, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory %q: %w", spool, err)
	}

	return &Manager{
		root:    root,
		spool:   spool,
		opts:    opts,
		locker:  opts.Locker,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}, nil
}

// Root returns the absolute storage root.
func (m *Manager) Root() string {
	return m.root
}

// Provision creates the tenant's repository when it does not exist yet. It
// reports whether a repository was created; provisioning an existing tenant
// succeeds without changes.
func (m *Manager) Provision(ctx context.Context, tenant string) (bool, error) {
	if err := ValidateTenantID(tenant); err != nil {
		return false, err
	}

	unlock, err := m.lock(ctx, tenant)
	if err != nil {
		return false, err
	}
	defer unlock()

	dir := m.tenantDir(tenant)
	info, err := os.Stat(dir)
	switch {
	case err == nil && !info.IsDir():
		return false, fmt.Errorf("tenant path %q is not a directory", dir)
	case err == nil:
		repo := m.open(dir)
		if !repo.Initialized() {
			if err := repo.Init(ctx); err != nil {
				return false, err
			}
		}
		return false, nil
	case !errors.Is(err, fs.ErrNotExist):
		return false, fmt.Errorf("failed to stat tenant %q: %w", tenant, err)
	}

	if err := os.Mkdir(dir, 0o755); err != nil {
		return false, fmt.Errorf("failed to create tenant %q: %w", tenant, err)
	}
	if err := m.open(dir).Init(ctx); err != nil {
		_ = os.RemoveAll(dir)
		return false, err
	}

	m.metrics.RecordProvision()
	m.logger.Info("tenant provisioned", zap.String("tenant", tenant))
	return true, nil
}

// Ensure returns a request-bound handle on an existing tenant repository,
// initializing its git state if it went missing. When identity is set the
// handle commits as that identity.
func (m *Manager) Ensure(ctx context.Context, tenant string, identity *types.Identity) (*Repository, error) {
	if err := ValidateTenantID(tenant); err != nil {
		return nil, err
	}

	dir := m.tenantDir(tenant)
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{Resource: "tenant", Key: tenant}
		}
		return nil, fmt.Errorf("failed to stat tenant %q: %w", tenant, err)
	}
	if !info.IsDir() {
		return nil, &NotFoundError{Resource: "tenant", Key: tenant}
	}

	repo := m.open(dir)
	if !repo.Initialized() {
		if err := m.reinit(ctx, tenant, repo); err != nil {
			return nil, err
		}
	}

	handle := &Repository{tenant: tenant, git: repo, manager: m}
	if identity != nil {
		handle = handle.As(*identity)
	}
	return handle, nil
}

func (m *Manager) reinit(ctx context.Context, tenant string, repo *git.Repo) error {
	unlock, err := m.lock(ctx, tenant)
	if err != nil {
		return err
	}
	defer unlock()

	if repo.Initialized() {
		return nil
	}
	m.logger.Warn("reinitializing tenant repository", zap.String("tenant", tenant))
	return repo.Init(ctx)
}

func (m *Manager) lock(ctx context.Context, tenant string) (func(), error) {
	start := time.Now()
	unlock, err := m.locker.Lock(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("failed to lock tenant %q: %w", tenant, err)
	}
	m.metrics.ObserveLockWait(time.Since(start))
	return unlock, nil
}

func (m *Manager) open(dir string) *git.Repo {
	return git.Open(m.opts.GitBinary, dir, m.opts.DefaultAuthor)
}

func (m *Manager) tenantDir(tenant string) string {
	return filepath.Join(m.root, tenant)
}

// Repository is a tenant repository bound to one request.
type Repository struct {
	tenant  string
	git     *git.Repo
	manager *Manager
}

// Tenant returns the owning tenant id.
func (r *Repository) Tenant() string {
	return r.tenant
}

// Root returns the working tree root.
func (r *Repository) Root() string {
	return r.git.Dir()
}

// Author returns the identity the handle commits as.
func (r *Repository) Author() types.Author {
	return r.git.Author()
}

// As returns a copy of the handle whose commits are authored by identity.
func (r *Repository) As(identity types.Identity) *Repository {
	author := identity.Author()
	author.Name, author.Email = subjectName(author.Name), subjectName(author.Email)
	return &Repository{tenant: r.tenant, git: r.git.WithAuthor(author), manager: r.manager}
}
