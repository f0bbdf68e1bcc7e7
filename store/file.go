package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

// FileStore keeps records under {root}/{id}/ with one file per session and
// per prekey. Concurrent access to the same session is serialized with an
// in-process lock per (id, sid); the file backend is single-process by
// design, like running the box over a local directory.
type FileStore struct {
	root string

	mu    sync.Mutex
	locks map[string]*sessionLock
}

// sessionLock is refcounted so the lock map only holds entries for sessions
// currently fetched or contended, not for every session ever touched.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewFileStore creates a file-backed store rooted at the given directory.
func NewFileStore(root string) *FileStore {
	return &FileStore{
		root:  root,
		locks: make(map[string]*sessionLock),
	}
}

func (f *FileStore) acquire(key string) *sessionLock {
	f.mu.Lock()
	l, ok := f.locks[key]
	if !ok {
		l = &sessionLock{}
		f.locks[key] = l
	}
	l.refs++
	f.mu.Unlock()

	l.mu.Lock()
	return l
}

func (f *FileStore) release(key string, l *sessionLock) {
	l.mu.Unlock()

	f.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(f.locks, key)
	}
	f.mu.Unlock()
}

func (f *FileStore) sessionPath(id, sid string) string {
	return filepath.Join(f.root, id, "sessions", sid)
}

// FetchSession locks the (id, sid) pair and reads the current session blob.
func (f *FileStore) FetchSession(id, sid string) (Record, error) {
	key := id + "-" + sid
	lock := f.acquire(key)

	path := f.sessionPath(id, sid)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		data = nil
	} else if err != nil {
		f.release(key, lock)
		return nil, fmt.Errorf("failed to read session %s: %w", sid, err)
	}

	return &fileRecord{store: f, key: key, path: path, data: data, lock: lock}, nil
}

func (f *FileStore) FetchIdentity(id string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(f.root, id, "identity"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read identity %s: %w", id, err)
	}
	return data, nil
}

func (f *FileStore) InsertIdentity(id string, data []byte) error {
	dir := filepath.Join(f.root, id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "identity"), data, 0600)
}

func (f *FileStore) FetchPreKeys(id string) ([]PreKeyRecord, error) {
	dir := filepath.Join(f.root, id, "prekeys")
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read prekey directory: %w", err)
	}

	var ret []PreKeyRecord
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		kid, err := strconv.ParseUint(entry.Name(), 10, 16)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"id":   id,
				"file": entry.Name(),
			}).Warn("Skipping prekey file with non-numeric name")
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read prekey %d: %w", kid, err)
		}
		ret = append(ret, PreKeyRecord{KID: uint16(kid), Data: data})
	}
	return ret, nil
}

func (f *FileStore) InsertPreKey(id string, kid uint16, data []byte) error {
	dir := filepath.Join(f.root, id, "prekeys")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create prekey directory: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, strconv.Itoa(int(kid))), data, 0600)
}

func (f *FileStore) DeletePreKey(id string, kid uint16) error {
	err := os.Remove(filepath.Join(f.root, id, "prekeys", strconv.Itoa(int(kid))))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete prekey %d: %w", kid, err)
	}
	return nil
}

// Purge deletes every record kept for the id.
func (f *FileStore) Purge(id string) error {
	return os.RemoveAll(filepath.Join(f.root, id))
}

type fileRecord struct {
	store *FileStore
	key   string
	path  string
	data  []byte
	lock  *sessionLock
	done  bool
}

func (r *fileRecord) Data() []byte {
	return r.data
}

func (r *fileRecord) Persist(data []byte) error {
	if r.done {
		return nil
	}
	defer r.release()

	if data == nil {
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete session file: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	return nil
}

func (r *fileRecord) Discard() {
	if r.done {
		return
	}
	r.release()
}

func (r *fileRecord) release() {
	r.done = true
	r.store.release(r.key, r.lock)
}
