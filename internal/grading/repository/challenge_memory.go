package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"blockjudge/internal/grading/model"
	pkgerrors "blockjudge/pkg/errors"

	"gopkg.in/yaml.v3"
)

// MemoryChallengeStore serves challenges loaded from YAML fixtures. It
// backs the CLI, tests and single-node deployments without MySQL.
type MemoryChallengeStore struct {
	mu         sync.RWMutex
	challenges map[string]*model.Challenge
}

func NewMemoryChallengeStore(challenges ...*model.Challenge) (*MemoryChallengeStore, error) {
	s := &MemoryChallengeStore{challenges: make(map[string]*model.Challenge, len(challenges))}
	for _, c := range challenges {
		if err := s.Put(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// LoadChallenges reads a fixture file or every *.yaml / *.yml file in a
// directory. A file may hold several documents separated by "---".
func LoadChallenges(path string) (*MemoryChallengeStore, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.ChallengeLoadFailed, "stat %s failed", path)
	}
	files := []string{path}
	if info.IsDir() {
		files = files[:0]
		for _, pattern := range []string{"*.yaml", "*.yml"} {
			matches, err := filepath.Glob(filepath.Join(path, pattern))
			if err != nil {
				return nil, pkgerrors.Wrapf(err, pkgerrors.ChallengeLoadFailed, "list %s failed", path)
			}
			files = append(files, matches...)
		}
		sort.Strings(files)
	}

	s := &MemoryChallengeStore{challenges: make(map[string]*model.Challenge)}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, pkgerrors.ChallengeLoadFailed, "read %s failed", file)
		}
		challenges, err := DecodeChallenges(data)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, pkgerrors.ChallengeLoadFailed, "decode %s failed", file)
		}
		for _, c := range challenges {
			if err := s.Put(c); err != nil {
				return nil, pkgerrors.Wrapf(err, pkgerrors.ChallengeLoadFailed, "%s", file)
			}
		}
	}
	return s, nil
}

// DecodeChallenges parses one or more YAML challenge documents.
func DecodeChallenges(data []byte) ([]*model.Challenge, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	var out []*model.Challenge
	for {
		var c model.Challenge
		err := dec.Decode(&c)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
}

// Put adds a challenge. Ids are unique within a store.
func (s *MemoryChallengeStore) Put(c *model.Challenge) error {
	if c == nil {
		return pkgerrors.ValidationError("challenge", "required")
	}
	c.ID = strings.TrimSpace(c.ID)
	c.Normalize()
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.challenges[c.ID]; ok {
		return pkgerrors.Newf(pkgerrors.ValidationFailed, "duplicate challenge id %s", c.ID)
	}
	s.challenges[c.ID] = c
	return nil
}

func (s *MemoryChallengeStore) GetChallenge(ctx context.Context, id string) (*model.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	c, ok := s.challenges[strings.TrimSpace(id)]
	s.mu.RUnlock()
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.ChallengeNotFound, "challenge %s not found", id)
	}
	cp := *c
	cp.TestCases = append([]model.TestCase(nil), c.TestCases...)
	return &cp, nil
}

// ListChallenges returns summaries newest first, ties broken by id.
func (s *MemoryChallengeStore) ListChallenges(ctx context.Context) ([]model.Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]model.Summary, 0, len(s.challenges))
	for _, c := range s.challenges {
		out = append(out, c.Summary())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PostedAt.Equal(out[j].PostedAt) {
			return out[i].PostedAt.After(out[j].PostedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryChallengeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.challenges)
}

func (s *MemoryChallengeStore) String() string {
	return fmt.Sprintf("memory(%d challenges)", s.Len())
}
