// Package groups maintains the registry mapping chats to workspace group
// folders. The main group always exists and is the only one allowed to
// administer the others.
package groups

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/basket/dotclaw/internal/shared"
)

// Record is a registered group.
type Record struct {
	Folder       string    `json:"folder"`
	Name         string    `json:"name"`
	ChatIDs      []string  `json:"chat_ids"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Registry is the persisted group registry (data/registered_groups.json).
type Registry struct {
	mu     sync.RWMutex
	path   string
	groups map[string]*Record
	byChat map[string]string // chat id -> folder
}

// Load reads the registry, creating the main group if the file is new.
func Load(path string) (*Registry, error) {
	r := &Registry{
		path:   path,
		groups: make(map[string]*Record),
		byChat: make(map[string]string),
	}
	var persisted []Record
	if err := shared.ReadJSON(path, &persisted); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	for i := range persisted {
		rec := persisted[i]
		r.groups[rec.Folder] = &rec
		for _, chatID := range rec.ChatIDs {
			r.byChat[chatID] = rec.Folder
		}
	}
	if _, ok := r.groups[shared.MainGroup]; !ok {
		r.groups[shared.MainGroup] = &Record{
			Folder:       shared.MainGroup,
			Name:         "Main",
			RegisteredAt: time.Now().UTC(),
		}
		if err := r.persistLocked(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register creates a group or attaches a chat to an existing one.
func (r *Registry) Register(folder, name, chatID string) (*Record, error) {
	if err := shared.ValidateGroupFolder(folder); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byChat[chatID]; ok && chatID != "" && existing != folder {
		return nil, fmt.Errorf("groups: chat %s already belongs to group %q", chatID, existing)
	}

	rec, ok := r.groups[folder]
	if !ok {
		rec = &Record{Folder: folder, Name: name, RegisteredAt: time.Now().UTC()}
		r.groups[folder] = rec
	}
	if name != "" {
		rec.Name = name
	}
	if chatID != "" && !contains(rec.ChatIDs, chatID) {
		rec.ChatIDs = append(rec.ChatIDs, chatID)
		r.byChat[chatID] = folder
	}
	if err := r.persistLocked(); err != nil {
		return nil, err
	}
	out := *rec
	return &out, nil
}

// Remove deletes a group. The main group cannot be removed.
func (r *Registry) Remove(folder string) error {
	if folder == shared.MainGroup {
		return fmt.Errorf("groups: cannot remove the main group")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.groups[folder]
	if !ok {
		return fmt.Errorf("groups: unknown group %q", folder)
	}
	for _, chatID := range rec.ChatIDs {
		delete(r.byChat, chatID)
	}
	delete(r.groups, folder)
	return r.persistLocked()
}

// GroupForChat resolves the group folder for a chat. Unregistered chats
// land in the main group.
func (r *Registry) GroupForChat(chatID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if folder, ok := r.byChat[chatID]; ok {
		return folder
	}
	return shared.MainGroup
}

// Get returns a group record by folder.
func (r *Registry) Get(folder string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.groups[folder]
	if !ok {
		return nil, false
	}
	out := *rec
	return &out, true
}

// List returns all groups sorted by folder.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.groups))
	for _, rec := range r.groups {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Folder < out[j].Folder })
	return out
}

func (r *Registry) persistLocked() error {
	out := make([]Record, 0, len(r.groups))
	for _, rec := range r.groups {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Folder < out[j].Folder })
	if err := shared.WriteJSONAtomic(r.path, out, 0o644); err != nil {
		return fmt.Errorf("persist groups: %w", err)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
