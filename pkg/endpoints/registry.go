package endpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/datagate-io/datagate/pkg/logger"
)

// entityFileName is the definition document inside each endpoint directory.
const entityFileName = "entity.json"

// snapshot is one immutable view of the catalogue. Readers hold a snapshot
// for the duration of a request; writers build a fresh one and swap.
//
// byKind indexes definitions for lookup. byDir remembers which definition
// each endpoint directory produced, so a reload or removal of that
// directory can displace exactly the definition it previously contributed
// even when entity.json renames the endpoint.
type snapshot struct {
	byKind map[Kind]map[string]*Definition
	byDir  map[string]*Definition
}

func emptySnapshot() *snapshot {
	return &snapshot{
		byKind: make(map[Kind]map[string]*Definition),
		byDir:  make(map[string]*Definition),
	}
}

// clone copies the index maps. Definitions themselves are immutable after
// parse and are shared between snapshots.
func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		byKind: make(map[Kind]map[string]*Definition, len(s.byKind)),
		byDir:  make(map[string]*Definition, len(s.byDir)),
	}
	for kind, defs := range s.byKind {
		m := make(map[string]*Definition, len(defs))
		for name, def := range defs {
			m[name] = def
		}
		next.byKind[kind] = m
	}
	for dir, def := range s.byDir {
		next.byDir[dir] = def
	}
	return next
}

func (s *snapshot) set(dirKey string, def *Definition) {
	if prev, ok := s.byDir[dirKey]; ok {
		delete(s.byKind[prev.Kind], strings.ToLower(prev.Name))
	}
	defs := s.byKind[def.Kind]
	if defs == nil {
		defs = make(map[string]*Definition)
		s.byKind[def.Kind] = defs
	}
	defs[strings.ToLower(def.Name)] = def
	s.byDir[dirKey] = def
}

func (s *snapshot) removeDir(dirKey string) (*Definition, bool) {
	prev, ok := s.byDir[dirKey]
	if !ok {
		return nil, false
	}
	delete(s.byKind[prev.Kind], strings.ToLower(prev.Name))
	delete(s.byDir, dirKey)
	return prev, true
}

func dirKey(dirKind Kind, dirName string) string {
	return string(dirKind) + "/" + strings.ToLower(dirName)
}

// Registry is the directory-backed endpoint catalogue. Lookups are
// lock-free against the current snapshot; reloads serialise on a writer
// mutex, build a complete replacement and publish it atomically.
type Registry struct {
	root    string
	mu      sync.Mutex
	current atomic.Pointer[snapshot]
}

// NewRegistry creates a registry rooted at the endpoints directory. Call
// Load before serving traffic.
func NewRegistry(root string) *Registry {
	r := &Registry{root: root}
	r.current.Store(emptySnapshot())
	return r
}

// Root returns the endpoints directory the registry reads from.
func (r *Registry) Root() string {
	return r.root
}

// Load walks the endpoint root and publishes a complete snapshot. Per-file
// parse failures are logged and skipped so one bad definition cannot take
// down its siblings; only an unreadable root is fatal.
func (r *Registry) Load() error {
	parsed, err := loadTree(r.root)
	if err != nil {
		return err
	}

	next := emptySnapshot()
	for _, p := range parsed {
		key := strings.ToLower(p.def.Name)
		if prior, ok := next.byKind[p.def.Kind][key]; ok {
			logger.Warnf("duplicate %s endpoint %q: %s replaces %s", p.def.Kind, p.def.Name, p.def.Path, prior.Path)
		}
		next.set(p.dirKey, p.def)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.current.Store(next)
	logger.Infof("endpoint registry loaded %d definitions from %s", len(parsed), r.root)
	return nil
}

// Lookup returns the definition for {kind, name}, matching the name
// case-insensitively.
func (r *Registry) Lookup(kind Kind, name string) (*Definition, bool) {
	def, ok := r.current.Load().byKind[kind][strings.ToLower(name)]
	return def, ok
}

// List returns the definitions of one kind sorted by name.
func (r *Registry) List(kind Kind) []*Definition {
	defs := r.current.Load().byKind[kind]
	out := make([]*Definition, 0, len(defs))
	for _, def := range defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Counts returns the number of catalogued definitions per kind.
func (r *Registry) Counts() map[Kind]int {
	snap := r.current.Load()
	counts := make(map[Kind]int, len(snap.byKind))
	for kind, defs := range snap.byKind {
		if len(defs) > 0 {
			counts[kind] = len(defs)
		}
	}
	return counts
}

// FindWebhook returns the webhook endpoint whose allow-list contains id.
func (r *Registry) FindWebhook(id string) (*Definition, bool) {
	for _, def := range r.current.Load().byKind[KindWebhooks] {
		for _, allowed := range def.Webhook.AllowedWebhookIDs {
			if strings.EqualFold(allowed, id) {
				return def, true
			}
		}
	}
	return nil, false
}

// reloadEntry re-reads one endpoint directory and publishes the result.
// The file is read and parsed before the writer lock is taken. A parse
// failure keeps the prior definition live; a missing file purges the entry.
func (r *Registry) reloadEntry(dirKind Kind, dirName string) {
	path := filepath.Join(r.root, string(dirKind), dirName, entityFileName)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		r.purgeEntry(dirKind, dirName)
		return
	}
	if err != nil {
		logger.Warnf("failed to read endpoint definition %s, keeping prior state: %v", path, err)
		return
	}

	def, err := ParseDefinition(dirKind, dirName, data, path)
	if err != nil {
		logger.Warnf("failed to parse endpoint definition %s, keeping prior state: %v", path, err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.current.Load().clone()
	next.set(dirKey(dirKind, dirName), def)
	r.current.Store(next)
	logger.Infof("endpoint %s/%s reloaded", def.Kind, def.Name)
}

// purgeEntry removes the definition the directory produced, if any.
func (r *Registry) purgeEntry(dirKind Kind, dirName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.current.Load().clone()
	prev, ok := next.removeDir(dirKey(dirKind, dirName))
	if !ok {
		return
	}
	r.current.Store(next)
	logger.Infof("endpoint %s/%s removed", prev.Kind, prev.Name)
}

type parsedEntry struct {
	dirKey string
	def    *Definition
}

// loadTree reads every <Kind>/<Name>/entity.json under root. Parse failures
// are logged per file and the definition skipped.
func loadTree(root string) ([]parsedEntry, error) {
	kindEntries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read endpoint root %s: %w", root, err)
	}

	var parsed []parsedEntry
	for _, kindEntry := range kindEntries {
		if !kindEntry.IsDir() {
			continue
		}
		kind, ok := KindForDirectory(kindEntry.Name())
		if !ok {
			logger.Debugf("ignoring unknown endpoint kind directory %s", kindEntry.Name())
			continue
		}

		kindDir := filepath.Join(root, kindEntry.Name())
		nameEntries, err := os.ReadDir(kindDir)
		if err != nil {
			logger.Warnf("failed to read endpoint kind directory %s: %v", kindDir, err)
			continue
		}

		for _, nameEntry := range nameEntries {
			if !nameEntry.IsDir() {
				continue
			}
			path := filepath.Join(kindDir, nameEntry.Name(), entityFileName)
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				logger.Warnf("failed to read endpoint definition %s: %v", path, err)
				continue
			}
			def, err := ParseDefinition(kind, nameEntry.Name(), data, path)
			if err != nil {
				logger.Warnf("failed to parse endpoint definition %s: %v", path, err)
				continue
			}
			parsed = append(parsed, parsedEntry{dirKey: dirKey(kind, nameEntry.Name()), def: def})
		}
	}
	return parsed, nil
}
