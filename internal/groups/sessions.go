package groups

import (
	"fmt"
	"os"
	"sync"

	"github.com/basket/dotclaw/internal/shared"
)

// KVFile is a small persisted string map with atomic writes. It backs
// sessions.json (chat -> agent session id) and task-threads.json
// (task id -> platform thread id).
type KVFile struct {
	mu   sync.RWMutex
	path string
	data map[string]string
}

func OpenKVFile(path string) (*KVFile, error) {
	f := &KVFile{path: path, data: make(map[string]string)}
	if err := shared.ReadJSON(path, &f.data); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if f.data == nil {
		f.data = make(map[string]string)
	}
	return f, nil
}

func (f *KVFile) Get(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.data[key]
	return v, ok
}

func (f *KVFile) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return f.persistLocked()
}

func (f *KVFile) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; !ok {
		return nil
	}
	delete(f.data, key)
	return f.persistLocked()
}

func (f *KVFile) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.data)
}

func (f *KVFile) persistLocked() error {
	if err := shared.WriteJSONAtomic(f.path, f.data, 0o644); err != nil {
		return fmt.Errorf("persist %s: %w", f.path, err)
	}
	return nil
}
