package catalog

import (
	"context"
	"sync"

	"github.com/seasonpass/tracker/internal/pass"
)

type MemoryStore struct {
	mu      sync.Mutex
	seasons map[pass.PassType][]pass.Season
	levels  map[pass.PassType][]pass.LevelThreshold
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seasons: make(map[pass.PassType][]pass.Season),
		levels:  make(map[pass.PassType][]pass.LevelThreshold),
	}
}

// PutSeason inserts or replaces a season by id.
func (s *MemoryStore) PutSeason(season pass.Season) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.seasons[season.PassType]
	for i := range list {
		if list[i].ID == season.ID {
			list[i] = season
			return
		}
	}
	s.seasons[season.PassType] = append(list, season)
}

func (s *MemoryStore) PutLevels(pt pass.PassType, levels []pass.LevelThreshold) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]pass.LevelThreshold, len(levels))
	for i, l := range levels {
		l.PassType = pt
		out[i] = l
	}
	s.levels[pt] = out
}

func (s *MemoryStore) ListSeasons(_ context.Context, pt pass.PassType) ([]pass.Season, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]pass.Season(nil), s.seasons[pt]...), nil
}

func (s *MemoryStore) ListLevels(_ context.Context, pt pass.PassType) ([]pass.LevelThreshold, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]pass.LevelThreshold(nil), s.levels[pt]...), nil
}

var _ Store = (*MemoryStore)(nil)
