package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/cbrs-sas-controller/model"
)

// Memory is an in-process Store. Values are copied on the way in and out.
type Memory struct {
	mu     sync.RWMutex
	cbsds  map[string]model.CBSD
	grants map[string]map[string]model.Grant
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		cbsds:  make(map[string]model.CBSD),
		grants: make(map[string]map[string]model.Grant),
	}
}

func (m *Memory) UpsertCBSD(_ context.Context, c model.CBSD) error {
	if c.ID == "" {
		return fmt.Errorf("store: cbsd requires id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbsds[c.ID] = c.Clone()
	return nil
}

func (m *Memory) GetCBSD(_ context.Context, id string) (model.CBSD, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cbsds[id]
	if !ok {
		return model.CBSD{}, fmt.Errorf("cbsd %s: %w", id, ErrNotFound)
	}
	return c.Clone(), nil
}

func (m *Memory) ListCBSDs(_ context.Context) ([]model.CBSD, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.CBSD, 0, len(m.cbsds))
	for _, c := range m.cbsds {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertGrant(_ context.Context, g model.Grant) error {
	if err := validateGrant(g); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.grants[g.DeviceID]
	if byID == nil {
		byID = make(map[string]model.Grant)
		m.grants[g.DeviceID] = byID
	}
	byID[g.GrantID] = g
	return nil
}

func (m *Memory) DeleteGrant(_ context.Context, deviceID, grantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byID := m.grants[deviceID]; byID != nil {
		delete(byID, grantID)
		if len(byID) == 0 {
			delete(m.grants, deviceID)
		}
	}
	return nil
}

func (m *Memory) ListGrants(_ context.Context, deviceID string) ([]model.Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID := m.grants[deviceID]
	out := make([]model.Grant, 0, len(byID))
	for _, g := range byID {
		out = append(out, g)
	}
	sortGrants(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }

func sortGrants(gs []model.Grant) {
	sort.Slice(gs, func(i, j int) bool {
		if !gs[i].CreatedAt.Equal(gs[j].CreatedAt) {
			return gs[i].CreatedAt.Before(gs[j].CreatedAt)
		}
		return gs[i].GrantID < gs[j].GrantID
	})
}
