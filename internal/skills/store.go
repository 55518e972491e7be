package skills

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Store holds the skill and agent definitions found under two directories.
// Either directory may be empty or missing.
type Store struct {
	skillsDir string
	agentsDir string
	logger    *slog.Logger

	mu     sync.RWMutex
	skills map[string]*Skill
	agents map[string]*Agent

	watchMu       sync.Mutex
	watcher       *fsnotify.Watcher
	watchCancel   context.CancelFunc
	watchWg       sync.WaitGroup
	watchDebounce time.Duration
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithWatchDebounce sets how long the watcher waits for a burst of file
// events to settle before reloading.
func WithWatchDebounce(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.watchDebounce = d
		}
	}
}

// NewStore creates an empty store. Call Load to read definitions.
func NewStore(skillsDir, agentsDir string, opts ...StoreOption) *Store {
	s := &Store{
		skillsDir:     skillsDir,
		agentsDir:     agentsDir,
		logger:        slog.Default(),
		skills:        make(map[string]*Skill),
		agents:        make(map[string]*Agent),
		watchDebounce: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "skills")
	return s
}

// Load rereads both directories and swaps the result in. Definitions that
// fail to parse are logged and skipped.
func (s *Store) Load(ctx context.Context) error {
	skills, err := s.loadSkills()
	if err != nil {
		return err
	}
	agents, err := s.loadAgents()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.skills = skills
	s.agents = agents
	s.mu.Unlock()

	s.logger.Debug("definitions loaded", "skills", len(skills), "agents", len(agents))
	return nil
}

func (s *Store) loadSkills() (map[string]*Skill, error) {
	out := make(map[string]*Skill)
	if s.skillsDir == "" {
		return out, nil
	}
	entries, err := os.ReadDir(s.skillsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read skills dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(s.skillsDir, entry.Name(), SkillFilename)
		skill, err := ParseSkillFile(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("skipping skill", "path", path, "error", err)
			}
			continue
		}
		if _, dup := out[skill.ID]; dup {
			s.logger.Warn("duplicate skill id", "id", skill.ID, "path", path)
			continue
		}
		out[skill.ID] = skill
	}
	return out, nil
}

func (s *Store) loadAgents() (map[string]*Agent, error) {
	out := make(map[string]*Agent)
	if s.agentsDir == "" {
		return out, nil
	}
	entries, err := os.ReadDir(s.agentsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read agents dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != AgentExt {
			continue
		}
		path := filepath.Join(s.agentsDir, entry.Name())
		agent, err := ParseAgentFile(path)
		if err != nil {
			s.logger.Warn("skipping agent", "path", path, "error", err)
			continue
		}
		if _, dup := out[agent.ID]; dup {
			s.logger.Warn("duplicate agent id", "id", agent.ID, "path", path)
			continue
		}
		out[agent.ID] = agent
	}
	return out, nil
}

// Skill returns an enabled skill by id.
func (s *Store) Skill(id string) (*Skill, error) {
	s.mu.RLock()
	skill, ok := s.skills[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSkillNotFound, id)
	}
	if !skill.Enabled {
		return nil, fmt.Errorf("skill %s: %w", id, ErrDisabled)
	}
	clone := *skill
	return &clone, nil
}

// Agent returns an enabled agent by id.
func (s *Store) Agent(id string) (*Agent, error) {
	s.mu.RLock()
	agent, ok := s.agents[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if !agent.Enabled {
		return nil, fmt.Errorf("agent %s: %w", id, ErrDisabled)
	}
	clone := *agent
	clone.Tools = append([]string(nil), agent.Tools...)
	return &clone, nil
}

// Skills lists every skill, enabled or not, sorted by id.
func (s *Store) Skills() []Skill {
	s.mu.RLock()
	out := make([]Skill, 0, len(s.skills))
	for _, skill := range s.skills {
		out = append(out, *skill)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Agents lists every agent, enabled or not, sorted by id.
func (s *Store) Agents() []Agent {
	s.mu.RLock()
	out := make([]Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		out = append(out, *agent)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StartWatching reloads the store whenever files under either directory
// change. It returns once the watcher is installed.
func (s *Store) StartWatching(ctx context.Context) error {
	s.watchMu.Lock()
	if s.watcher != nil {
		s.watchMu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.watchMu.Unlock()
		return err
	}
	s.watcher = watcher
	watchCtx, cancel := context.WithCancel(ctx)
	s.watchCancel = cancel
	s.watchMu.Unlock()

	s.refreshWatches(watcher)

	s.watchWg.Add(1)
	go s.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops the watcher, if any.
func (s *Store) Close() error {
	s.watchMu.Lock()
	if s.watchCancel != nil {
		s.watchCancel()
		s.watchCancel = nil
	}
	watcher := s.watcher
	s.watcher = nil
	s.watchMu.Unlock()

	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	s.watchWg.Wait()
	return err
}

// refreshWatches adds both roots and every skill subdirectory. fsnotify is
// not recursive, and Add on an already watched path is a no-op.
func (s *Store) refreshWatches(watcher *fsnotify.Watcher) {
	for _, root := range []string{s.skillsDir, s.agentsDir} {
		if root == "" {
			continue
		}
		if err := watcher.Add(root); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("watch failed", "path", root, "error", err)
			}
			continue
		}
	}
	if s.skillsDir == "" {
		return
	}
	entries, err := os.ReadDir(s.skillsDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			_ = watcher.Add(filepath.Join(s.skillsDir, entry.Name()))
		}
	}
}

func (s *Store) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer s.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(s.watchDebounce, func() {
			if ctx.Err() != nil {
				return
			}
			s.refreshWatches(watcher)
			if err := s.Load(ctx); err != nil {
				s.logger.Warn("reload failed", "error", err)
			}
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("skill watch error", "error", err)
		}
	}
}
