package fusion

import (
	"sync"
)

// MaxWorlds is the device's minor-number span: one world per minor, 8 total.
const MaxWorlds = 8

// Manager owns the lazily-created worlds for one device. A World is
// allocated on first use of its minor number and released when its last
// participant leaves.
type Manager struct {
	mu       sync.Mutex
	apiMajor uint16
	worlds   [MaxWorlds]*World
	exclusive [MaxWorlds]bool
	onWorldLifecycle func(event string, minor int)
}

// NewManager creates a Manager requiring apiMajor on every Enter.
func NewManager(apiMajor uint16) *Manager {
	return &Manager{apiMajor: apiMajor}
}

// OnWorldLifecycle installs a hook fired when a world is created or
// destroyed, for telemetry export.
func (m *Manager) OnWorldLifecycle(fn func(event string, minor int)) { m.onWorldLifecycle = fn }

// Open allocates (lazily) and returns the world for minor, enforcing the
// exclusive-open policy: a second exclusive open, or an exclusive open
// against a world already open non-exclusively or exclusively, fails Busy.
func (m *Manager) Open(minor int, exclusive bool) (*World, error) {
	if minor < 0 || minor >= MaxWorlds {
		return nil, newErr("open", "world", uint32(minor), CodeInvalid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.exclusive[minor] {
		return nil, newErr("open", "world", uint32(minor), CodeBusy)
	}

	w := m.worlds[minor]
	if w == nil {
		w = NewWorld(minor, m.apiMajor)
		m.worlds[minor] = w
		if m.onWorldLifecycle != nil {
			m.onWorldLifecycle("world_created", minor)
		}
	} else if exclusive {
		return nil, newErr("open", "world", uint32(minor), CodeBusy)
	}

	if exclusive {
		m.exclusive[minor] = true
	}

	return w, nil
}

// Close runs the given participant's Leave on its world and, if that was
// the world's last participant, releases the world entirely.
func (m *Manager) Close(minor int, part ParticipantID) error {
	m.mu.Lock()
	w := m.worlds[minor]
	m.mu.Unlock()
	if w == nil {
		return newErr("close", "world", uint32(minor), CodeInvalid)
	}

	if err := w.Leave(part); err != nil {
		return err
	}

	if w.ParticipantCount() == 0 {
		m.mu.Lock()
		if m.worlds[minor] == w && w.ParticipantCount() == 0 {
			m.worlds[minor] = nil
			m.exclusive[minor] = false
			if m.onWorldLifecycle != nil {
				m.onWorldLifecycle("world_destroyed", minor)
			}
		}
		m.mu.Unlock()
	}
	return nil
}

// World returns the world for minor if it currently exists.
func (m *Manager) World(minor int) *World {
	if minor < 0 || minor >= MaxWorlds {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.worlds[minor]
}

// Worlds returns every currently-live world, for introspection/metrics
// sweeps.
func (m *Manager) Worlds() []*World {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*World
	for _, w := range m.worlds {
		if w != nil {
			out = append(out, w)
		}
	}
	return out
}
