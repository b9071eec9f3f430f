package session

import "bikanpe/fabric/pkg/proto"

// mirror is the caster's local copy of the director's monitor registry
// (spec.md §4.4: "On monitor_list_sync, the mirror is replaced wholesale.
// On monitor_added/removed/updated, it is mutated in place.").
type mirror struct {
	order []string
	byID  map[string]proto.VirtualMonitor
}

func newMirror() *mirror {
	return &mirror{byID: make(map[string]proto.VirtualMonitor)}
}

func (m *mirror) replace(monitors []proto.VirtualMonitor) {
	m.byID = make(map[string]proto.VirtualMonitor, len(monitors))
	m.order = make([]string, 0, len(monitors))
	for _, mon := range monitors {
		m.byID[mon.ID] = mon
		m.order = append(m.order, mon.ID)
	}
}

func (m *mirror) upsert(mon proto.VirtualMonitor) {
	if _, exists := m.byID[mon.ID]; !exists {
		m.order = append(m.order, mon.ID)
	}
	m.byID[mon.ID] = mon
}

func (m *mirror) remove(id string) {
	if _, exists := m.byID[id]; !exists {
		return
	}
	delete(m.byID, id)
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *mirror) list() []proto.VirtualMonitor {
	out := make([]proto.VirtualMonitor, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.byID[id])
	}
	return out
}
