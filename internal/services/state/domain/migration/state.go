package migration

import (
	"github.com/louisbranch/sessionstate/internal/services/state/domain/entity"
)

// UpgradeState migrates state's payload to the latest schema version. States
// already at or above the latest version are returned unchanged.
func (m *Manager) UpgradeState(state entity.State) (entity.State, error) {
	if m == nil || state.SchemaVersion >= m.latest {
		return state, nil
	}
	payload, err := m.Migrate(state.Payload, state.SchemaVersion, m.latest)
	if err != nil {
		return state, err
	}
	state.Payload = payload
	state.SchemaVersion = m.latest
	return state, nil
}
