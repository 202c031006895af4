package service

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MCP-Bridge/mcpbridge/internal/adapter/outbound/state"
)

// ServerState is the per-server view exposed by the meta endpoints.
type ServerState struct {
	Enabled bool            `json:"enabled"`
	Tools   map[string]bool `json:"tools"`
}

// StateService owns the enable/disable state for servers, tools,
// providers, models and favorite models. All reads and writes go through
// a single mutex; setters that change nothing skip the disk write, so a
// repeated disable leaves the state file untouched.
type StateService struct {
	store  *state.FileStore
	logger *slog.Logger

	mu sync.Mutex
	st *state.EnableState
}

// NewStateService loads the state file (missing or corrupt loads empty)
// and returns a ready service.
func NewStateService(store *state.FileStore, logger *slog.Logger) *StateService {
	return &StateService{
		store:  store,
		logger: logger,
		st:     store.Load(),
	}
}

// persist stamps last_updated and writes the state file. Callers hold s.mu.
func (s *StateService) persist() error {
	s.st.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	if err := s.store.Save(s.st); err != nil {
		s.logger.Error("failed to save state", "error", err)
		return err
	}
	return nil
}

// IsServerEnabled reports whether the server is enabled. Absent means enabled.
func (s *StateService) IsServerEnabled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	enabled, ok := s.st.ServerEnabled[name]
	return !ok || enabled
}

// SetServerEnabled records the server's enabled flag and persists on change.
func (s *StateService) SetServerEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.st.ServerEnabled[name]; ok && cur == enabled {
		return nil
	}
	s.st.ServerEnabled[name] = enabled
	return s.persist()
}

// IsToolEnabled reports whether the tool's own flag is enabled. It does
// not consult the server flag; callers combine both for effective state.
func (s *StateService) IsToolEnabled(server, tool string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	enabled, ok := s.st.ToolEnabled[state.ToolKey(server, tool)]
	return !ok || enabled
}

// SetToolEnabled records the tool's enabled flag and persists on change.
func (s *StateService) SetToolEnabled(server, tool string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := state.ToolKey(server, tool)
	if cur, ok := s.st.ToolEnabled[key]; ok && cur == enabled {
		return nil
	}
	s.st.ToolEnabled[key] = enabled
	return s.persist()
}

// ServerState returns the server's enabled flag plus any per-tool flags.
func (s *StateService) ServerState(name string) ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverStateLocked(name)
}

func (s *StateService) serverStateLocked(name string) ServerState {
	st := ServerState{Enabled: true, Tools: map[string]bool{}}
	if enabled, ok := s.st.ServerEnabled[name]; ok {
		st.Enabled = enabled
	}
	for key, enabled := range s.st.ToolEnabled {
		server, tool, ok := state.SplitToolKey(key)
		if ok && server == name {
			st.Tools[tool] = enabled
		}
	}
	return st
}

// AllServerStates returns the per-server view for every server that has
// any recorded state.
func (s *StateService) AllServerStates() map[string]ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := map[string]struct{}{}
	for name := range s.st.ServerEnabled {
		names[name] = struct{}{}
	}
	for key := range s.st.ToolEnabled {
		if server, _, ok := state.SplitToolKey(key); ok {
			names[server] = struct{}{}
		}
	}

	out := make(map[string]ServerState, len(names))
	for name := range names {
		out[name] = s.serverStateLocked(name)
	}
	return out
}

// IsProviderEnabled reports whether the provider is enabled. Absent means enabled.
func (s *StateService) IsProviderEnabled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	flag, ok := s.st.ProviderStates[id]
	return !ok || flag.Enabled
}

// SetProviderEnabled records the provider's enabled flag and persists on change.
func (s *StateService) SetProviderEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.st.ProviderStates[id]; ok && cur.Enabled == enabled {
		return nil
	}
	s.st.ProviderStates[id] = state.EnabledFlag{Enabled: enabled}
	return s.persist()
}

// AllProviderStates returns a copy of the provider state map.
func (s *StateService) AllProviderStates() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.st.ProviderStates))
	for id, flag := range s.st.ProviderStates {
		out[id] = flag.Enabled
	}
	return out
}

// IsModelEnabled reports whether the model is enabled. Absent means enabled.
func (s *StateService) IsModelEnabled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	flag, ok := s.st.ModelStates[id]
	return !ok || flag.Enabled
}

// SetModelEnabled records the model's enabled flag and persists on change.
func (s *StateService) SetModelEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.st.ModelStates[id]; ok && cur.Enabled == enabled {
		return nil
	}
	s.st.ModelStates[id] = state.EnabledFlag{Enabled: enabled}
	return s.persist()
}

// AllModelStates returns a copy of the model state map.
func (s *StateService) AllModelStates() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.st.ModelStates))
	for id, flag := range s.st.ModelStates {
		out[id] = flag.Enabled
	}
	return out
}

// FavoriteModels returns the starred model ids in insertion order.
func (s *StateService) FavoriteModels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.st.FavoriteModels))
	copy(out, s.st.FavoriteModels)
	return out
}

// SetFavoriteModels replaces the whole favorites list.
func (s *StateService) SetFavoriteModels(ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.FavoriteModels = append([]string{}, ids...)
	return s.persist()
}

// AddFavoriteModel stars a model. Already-starred models are a no-op.
func (s *StateService) AddFavoriteModel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.st.FavoriteModels {
		if existing == id {
			return nil
		}
	}
	s.st.FavoriteModels = append(s.st.FavoriteModels, id)
	return s.persist()
}

// RemoveFavoriteModel unstars a model. Unknown models are a no-op.
func (s *StateService) RemoveFavoriteModel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.st.FavoriteModels {
		if existing == id {
			s.st.FavoriteModels = append(s.st.FavoriteModels[:i], s.st.FavoriteModels[i+1:]...)
			return s.persist()
		}
	}
	return nil
}

// IsFavoriteModel reports whether the model is starred.
func (s *StateService) IsFavoriteModel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.st.FavoriteModels {
		if existing == id {
			return true
		}
	}
	return false
}
