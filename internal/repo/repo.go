// Package repo ties a working directory to its dirstate, transactions and
// backup slots. Every mutating operation runs inside a transaction and a
// dirstate guard, so a failure part way through leaves the dirstate as it
// was before the operation started.
package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"tigguard/internal/config"
	"tigguard/internal/dirstate"
	"tigguard/internal/guard"
	"tigguard/internal/transaction"

	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const (
	metaDir = ".tig"

	// journalBackup is the slot an outermost transaction restores on abort.
	journalBackup = "journal.dirstate"
)

var (
	ErrNotRepository = errors.New("not a tig repository")
	ErrAmbiguousSlot = errors.New("backup name matches several slots")
)

// Initialize creates the repository layout under root.
func Initialize(root string) error {
	dbDir := filepath.Join(root, metaDir, "db")
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return fmt.Errorf("creating %s directory: %w", metaDir, err)
	}
	return nil
}

// FindRoot searches upwards from startDir for the directory holding .tig.
func FindRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}

	for {
		if info, err := os.Stat(filepath.Join(dir, metaDir)); err == nil && info.IsDir() {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("%w (or any parent up to /): %s", ErrNotRepository, startDir)
}

type Options struct {
	Config        *config.Config // defaults to config.Default()
	Logger        *zap.Logger    // usually scoped with logging.Logger.ForRepo
	InMemory      bool           // overrides Config.Database.InMemory when set
	MeterProvider metric.MeterProvider
}

// Repo is an open repository. It satisfies guard.Repository.
type Repo struct {
	Root string
	DB   *badger.DB

	dirstate  *dirstate.Store
	txs       *transaction.Manager
	guardOpts []guard.Option
	logger    *zap.Logger
}

var _ guard.Repository = (*Repo)(nil)

func Open(root string, opts Options) (*Repo, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path for root %s: %w", root, err)
	}
	if info, err := os.Stat(filepath.Join(absRoot, metaDir)); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotRepository, absRoot)
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	policy, err := guard.ParseAbandonPolicy(cfg.Guard.AbandonPolicy)
	if err != nil {
		return nil, err
	}
	guardOpts := []guard.Option{guard.WithLogger(logger), guard.WithAbandonPolicy(policy)}
	switch {
	case !cfg.Guard.Metrics:
		guardOpts = append(guardOpts, guard.WithoutMetrics())
	case opts.MeterProvider != nil:
		guardOpts = append(guardOpts, guard.WithMeterProvider(opts.MeterProvider))
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = filepath.Join(absRoot, metaDir, "db")
	}
	db, err := openDB(dbPath, cfg, opts.InMemory || cfg.Database.InMemory)
	if err != nil {
		return nil, err
	}

	store, err := dirstate.Open(db, dirstate.Options{
		CacheSize: cfg.Dirstate.CacheSize,
		Codec: dirstate.CodecOptions{
			MinSize: cfg.Dirstate.CompressMinSize,
			Level:   cfg.Dirstate.CompressionLevel,
		},
		Logger: logger,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("opening dirstate: %w", err)
	}

	return &Repo{
		Root:      absRoot,
		DB:        db,
		dirstate:  store,
		txs:       transaction.NewManager(logger),
		guardOpts: guardOpts,
		logger:    logger,
	}, nil
}

func (r *Repo) Dirstate() *dirstate.Store { return r.dirstate }

func (r *Repo) Backups() dirstate.Backups { return r.dirstate }

// CurrentTransaction returns the running transaction, or a nil interface
// when none is running.
func (r *Repo) CurrentTransaction() dirstate.Transaction {
	if tr := r.txs.Current(); tr != nil {
		return tr
	}
	return nil
}

// Transaction begins a transaction, or nests into the running one. The
// caller must Release it; operations run inside it share its backup scope.
func (r *Repo) Transaction(desc string) (*transaction.Transaction, error) {
	return r.begin(desc)
}

// begin starts or joins a transaction. An outermost transaction backs the
// dirstate up first: aborting restores it, committing discards it.
func (r *Repo) begin(desc string) (*transaction.Transaction, error) {
	outermost := r.txs.Current() == nil

	tr, err := r.txs.Begin(desc)
	if err != nil || !outermost {
		return tr, err
	}

	if err := r.dirstate.SaveBackup(tr, journalBackup); err != nil {
		tr.Release()
		return nil, fmt.Errorf("backing up dirstate for %s: %w", desc, err)
	}
	tr.AddFinalizer(func() error {
		return r.dirstate.ClearBackup(tr, journalBackup)
	})
	tr.AddAbort(func() {
		if err := r.dirstate.RestoreBackup(tr, journalBackup); err != nil {
			r.logger.Error("restoring dirstate after aborted transaction",
				zap.String("transaction", tr.ID()),
				zap.Error(err))
		}
	})
	return tr, nil
}

// mutate applies fn to the dirstate under a transaction and a guard. The
// dirstate is restored if fn, the write or the transaction fails, and
// again if an enclosing transaction aborts later.
func (r *Repo) mutate(desc string, fn func(*dirstate.State) error) error {
	tr, err := r.begin(desc)
	if err != nil {
		return err
	}
	defer tr.Release()

	return guard.Do(r, desc, func(g *guard.Guard) error {
		if err := r.dirstate.Update(fn); err != nil {
			return err
		}
		if err := r.dirstate.Write(tr); err != nil {
			return fmt.Errorf("writing dirstate: %w", err)
		}
		return tr.Close()
	}, r.guardOpts...)
}

// relPath turns a user-supplied path into a clean path relative to the root.
func (r *Repo) relPath(path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.Root, path)
	}
	rel, err := filepath.Rel(r.Root, path)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside repository %s", path, r.Root)
	}
	if rel == metaDir || strings.HasPrefix(rel, metaDir+"/") {
		return "", fmt.Errorf("%s is inside the repository metadata", rel)
	}
	return rel, nil
}

func (r *Repo) relPaths(paths []string) ([]string, error) {
	rels := make([]string, 0, len(paths))
	for _, p := range paths {
		rel, err := r.relPath(p)
		if err != nil {
			return nil, err
		}
		rels = append(rels, rel)
	}
	return rels, nil
}

func (r *Repo) stat(rel string) (os.FileInfo, error) {
	info, err := os.Lstat(filepath.Join(r.Root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", rel)
	}
	return info, nil
}

// Add starts tracking paths. Either all of them are added or none are.
func (r *Repo) Add(paths []string) error {
	rels, err := r.relPaths(paths)
	if err != nil {
		return err
	}

	err = r.mutate("add", func(s *dirstate.State) error {
		for _, rel := range rels {
			info, err := r.stat(rel)
			if err != nil {
				return err
			}
			if err := s.Add(rel, uint32(info.Mode().Perm()), info.Size()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("adding files: %w", err)
	}

	r.logger.Info("Added files", zap.Int("count", len(rels)))
	return nil
}

// Remove marks tracked paths as removed. The files themselves are left alone.
func (r *Repo) Remove(paths []string) error {
	rels, err := r.relPaths(paths)
	if err != nil {
		return err
	}

	err = r.mutate("remove", func(s *dirstate.State) error {
		for _, rel := range rels {
			if err := s.Remove(rel); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("removing files: %w", err)
	}

	r.logger.Info("Removed files", zap.Int("count", len(rels)))
	return nil
}

// Forget stops tracking paths without recording a removal.
func (r *Repo) Forget(paths []string) error {
	rels, err := r.relPaths(paths)
	if err != nil {
		return err
	}

	err = r.mutate("forget", func(s *dirstate.State) error {
		for _, rel := range rels {
			if !s.Drop(rel) {
				return fmt.Errorf("%s not tracked", rel)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("forgetting files: %w", err)
	}

	r.logger.Info("Forgot files", zap.Int("count", len(rels)))
	return nil
}

// MarkClean records tracked paths as clean with their current stat data.
func (r *Repo) MarkClean(paths []string) error {
	rels, err := r.relPaths(paths)
	if err != nil {
		return err
	}

	err = r.mutate("mark-clean", func(s *dirstate.State) error {
		for _, rel := range rels {
			e, ok := s.Get(rel)
			if !ok || e.Status == dirstate.StatusRemoved {
				return fmt.Errorf("%s not tracked", rel)
			}
			info, err := r.stat(rel)
			if err != nil {
				return err
			}
			s.Normal(rel, uint32(info.Mode().Perm()), info.Size(), info.ModTime().Unix())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("marking files clean: %w", err)
	}
	return nil
}

// FileStatus is one tracked path as reported by Status.
type FileStatus struct {
	Path string
	dirstate.Entry
	CopiedFrom string
	Missing    bool // tracked but absent from the working directory
}

// Status returns every tracked path, sorted.
func (r *Repo) Status() ([]FileStatus, error) {
	st, err := r.dirstate.State()
	if err != nil {
		return nil, fmt.Errorf("reading dirstate: %w", err)
	}

	statuses := make([]FileStatus, 0, len(st.Entries))
	for _, path := range st.Paths() {
		e := st.Entries[path]
		fs := FileStatus{Path: path, Entry: e, CopiedFrom: st.Copies[path]}
		if e.Status != dirstate.StatusRemoved {
			if _, err := r.stat(path); errors.Is(err, os.ErrNotExist) {
				fs.Missing = true
			}
		}
		statuses = append(statuses, fs)
	}

	r.logger.Debug("Retrieved dirstate status", zap.Int("entries", len(statuses)))
	return statuses, nil
}

// ListBackups returns the backup slots currently persisted, sorted by
// scope and name. Slots outside a running guard were left by a process
// that died before it could resolve them.
func (r *Repo) ListBackups() ([]dirstate.Slot, error) {
	slots, err := r.dirstate.Backups()
	if err != nil {
		return nil, err
	}
	sort.Slice(slots, func(i, j int) bool {
		if slots[i].Scope != slots[j].Scope {
			return slots[i].Scope < slots[j].Scope
		}
		return slots[i].Name < slots[j].Name
	})
	return slots, nil
}

// RecoverBackup restores the dirstate from a leftover slot and consumes it.
func (r *Repo) RecoverBackup(slot dirstate.Slot) error {
	if err := r.dirstate.RestoreBackup(slot.Transaction(), slot.Name); err != nil {
		return fmt.Errorf("recovering %s: %w", slot.Name, err)
	}
	r.logger.Info("Recovered dirstate from backup",
		zap.String("scope", slot.Scope),
		zap.String("backup", slot.Name))
	return nil
}

// DropBackup discards a leftover slot.
func (r *Repo) DropBackup(slot dirstate.Slot) error {
	if err := r.dirstate.ClearBackup(slot.Transaction(), slot.Name); err != nil {
		return fmt.Errorf("dropping %s: %w", slot.Name, err)
	}
	r.logger.Info("Dropped dirstate backup",
		zap.String("scope", slot.Scope),
		zap.String("backup", slot.Name))
	return nil
}

// FindBackup looks a slot up by <scope>/<name>, or by bare name when
// only one slot carries it. Backup names restart in every process, so
// slots left by different crashed runs can share a name.
func (r *Repo) FindBackup(ref string) (dirstate.Slot, error) {
	slots, err := r.dirstate.Backups()
	if err != nil {
		return dirstate.Slot{}, err
	}

	scope, name, scoped := strings.Cut(ref, "/")
	if !scoped {
		name = ref
	}

	var matches []dirstate.Slot
	for _, s := range slots {
		if s.Name == name && (!scoped || s.Scope == scope) {
			matches = append(matches, s)
		}
	}

	switch len(matches) {
	case 0:
		return dirstate.Slot{}, fmt.Errorf("%w: %s", dirstate.ErrBackupNotFound, ref)
	case 1:
		return matches[0], nil
	}

	refs := make([]string, len(matches))
	for i, m := range matches {
		refs[i] = m.Ref()
	}
	return dirstate.Slot{}, fmt.Errorf("%w, use one of: %s", ErrAmbiguousSlot, strings.Join(refs, ", "))
}

// Close ensures proper cleanup of resources. Guards created on this
// repository fail with a storage error afterwards.
func (r *Repo) Close() error {
	if r == nil {
		return nil
	}

	var errs []error
	if r.dirstate != nil {
		if err := r.dirstate.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing dirstate: %w", err))
		}
	}
	if r.DB != nil {
		if err := r.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing database: %w", err))
		}
		r.DB = nil
	}
	return errors.Join(errs...)
}
