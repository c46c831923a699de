package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Store is the persistence contract the Document Engine depends on.
type Store interface {
	// Load returns the persisted snapshot for id, or (nil, nil) if no
	// record exists. A corrupt or empty record is treated as absent; the
	// store never guesses content.
	Load(ctx context.Context, id string) (*Document, error)
	// Save writes doc atomically via temp-then-rename.
	Save(ctx context.Context, doc *Document) error
	// Create allocates a new document id, builds an empty record and
	// persists it.
	Create(ctx context.Context, title, userID string) (*Document, error)
}

// FileStore persists one JSON file per document id under Dir, written via
// <id>.tmp -> rename -> <id>.json so concurrent readers never observe a
// partial write.
type FileStore struct {
	Dir string
	Log *zap.Logger
}

// NewFileStore creates the store directory if needed and returns a
// FileStore rooted at dir.
func NewFileStore(dir string, log *zap.Logger) (*FileStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(ErrStoreIO, "create store dir %s: %v", dir, err)
	}
	return &FileStore{Dir: dir, Log: log}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.Dir, id+".json")
}

func (s *FileStore) tmpPath(id string) string {
	return filepath.Join(s.Dir, id+".tmp")
}

// Load reads and decodes the snapshot for id. Missing, empty or
// unparsable files are all treated as "no record" rather than propagated
// as errors; any other read failure is returned wrapped in ErrStoreIO.
func (s *FileStore) Load(ctx context.Context, id string) (*Document, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(ErrStoreIO, "read snapshot %s: %v", id, err)
	}
	if len(data) == 0 {
		s.Log.Warn("document snapshot empty, treating as absent", zap.String("documentId", id))
		return nil, nil
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.Log.Warn("document snapshot corrupt, treating as absent", zap.String("documentId", id), zap.Error(err))
		return nil, nil
	}
	// Presence is transient; never resurrect it from disk.
	doc.ActiveUsers = map[string]PersistedPresence{}
	return &doc, nil
}

// Save writes doc to <id>.tmp and renames it onto <id>.json. On failure
// the partial tmp file is best-effort removed and a wrapped ErrStoreIO is
// returned; the caller (the engine) treats this as non-fatal.
func (s *FileStore) Save(ctx context.Context, doc *Document) error {
	doc.LastSaved = time.Now()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrapf(ErrStoreIO, "marshal document %s: %v", doc.ID, err)
	}

	tmp := s.tmpPath(doc.ID)
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(ErrStoreIO, "open temp file for %s: %v", doc.ID, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(ErrStoreIO, "write temp file for %s: %v", doc.ID, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(ErrStoreIO, "fsync temp file for %s: %v", doc.ID, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(ErrStoreIO, "close temp file for %s: %v", doc.ID, err)
	}
	if err := os.Rename(tmp, s.path(doc.ID)); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(ErrStoreIO, "rename temp file for %s: %v", doc.ID, err)
	}
	return nil
}

// Create allocates a uuid, builds an empty document and persists it.
func (s *FileStore) Create(ctx context.Context, title, userID string) (*Document, error) {
	doc := NewEmpty(uuid.NewString(), title, userID, time.Now())
	if err := s.Save(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}
