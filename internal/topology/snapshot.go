package topology

import "sort"

// snapshot is the registry's in-memory copy of the whole topology.
type snapshot struct {
	connectors map[string]*Connector
	devices    map[string]*Device
	channels   map[string]*Channel
	properties map[string]*Property
	controls   map[string]*Control
}

func newSnapshot() *snapshot {
	return &snapshot{
		connectors: make(map[string]*Connector),
		devices:    make(map[string]*Device),
		channels:   make(map[string]*Channel),
		properties: make(map[string]*Property),
		controls:   make(map[string]*Control),
	}
}

func (s *snapshot) clone() *snapshot {
	cpy := newSnapshot()
	for id, c := range s.connectors {
		cpy.connectors[id] = c.DeepCopy()
	}
	for id, d := range s.devices {
		cpy.devices[id] = d.DeepCopy()
	}
	for id, c := range s.channels {
		cpy.channels[id] = c.DeepCopy()
	}
	for id, p := range s.properties {
		cpy.properties[id] = p.DeepCopy()
	}
	for id, c := range s.controls {
		cpy.controls[id] = c.DeepCopy()
	}
	return cpy
}

// ownerExists reports whether the entity an owner points at is present.
func (s *snapshot) ownerExists(o Owner) bool {
	switch o.Scope {
	case ScopeConnector:
		return s.connectors[o.ID] != nil
	case ScopeDevice:
		return s.devices[o.ID] != nil
	case ScopeChannel:
		return s.channels[o.ID] != nil
	}
	return false
}

// deviceOf returns the device ID an owner sits under, or "" for connector owners.
func (s *snapshot) deviceOf(o Owner) string {
	switch o.Scope {
	case ScopeDevice:
		return o.ID
	case ScopeChannel:
		if ch := s.channels[o.ID]; ch != nil {
			return ch.DeviceID
		}
	}
	return ""
}

// connectorOf returns the connector ID an owner sits under.
func (s *snapshot) connectorOf(o Owner) string {
	if o.Scope == ScopeConnector {
		return o.ID
	}
	if d := s.devices[s.deviceOf(o)]; d != nil {
		return d.ConnectorID
	}
	return ""
}

// reachesDevice reports whether target is reachable from start by following parents.
func (s *snapshot) reachesDevice(start, target string) bool {
	seen := make(map[string]bool)
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		if d := s.devices[id]; d != nil {
			stack = append(stack, d.Parents...)
		}
	}
	return false
}

// subtreeProperties returns the IDs of every property that deleting the owner
// would remove, including mapped properties elsewhere that point into the subtree.
func (s *snapshot) subtreeProperties(o Owner) []string {
	owners := map[Owner]bool{o: true}
	switch o.Scope {
	case ScopeConnector:
		for _, d := range s.devices {
			if d.ConnectorID == o.ID {
				owners[DeviceOwner(d.ID)] = true
			}
		}
		fallthrough
	case ScopeDevice:
		for _, ch := range s.channels {
			if owners[DeviceOwner(ch.DeviceID)] {
				owners[ChannelOwner(ch.ID)] = true
			}
		}
	}

	removed := make(map[string]bool)
	for id, p := range s.properties {
		if owners[p.Owner] {
			removed[id] = true
		}
	}
	return s.withMappedChildren(removed)
}

func (s *snapshot) withMappedChildren(removed map[string]bool) []string {
	for id, p := range s.properties {
		if p.Kind == KindMapped && removed[p.ParentID] {
			removed[id] = true
		}
	}
	ids := make([]string, 0, len(removed))
	for id := range removed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// propertyCopies returns copies of the given properties in ID order.
func (s *snapshot) propertyCopies(ids []string) []Property {
	out := make([]Property, 0, len(ids))
	for _, id := range ids {
		if p := s.properties[id]; p != nil {
			out = append(out, *p.DeepCopy())
		}
	}
	return out
}

func (s *snapshot) removeOwned(owners map[Owner]bool) {
	removed := make(map[string]bool)
	for id, p := range s.properties {
		if owners[p.Owner] {
			removed[id] = true
		}
	}
	for _, id := range s.withMappedChildren(removed) {
		delete(s.properties, id)
	}
	for id, c := range s.controls {
		if owners[c.Owner] {
			delete(s.controls, id)
		}
	}
}

func (s *snapshot) removeConnector(id string) {
	for devID, d := range s.devices {
		if d.ConnectorID == id {
			s.removeDevice(devID)
		}
	}
	s.removeOwned(map[Owner]bool{ConnectorOwner(id): true})
	delete(s.connectors, id)
}

func (s *snapshot) removeDevice(id string) {
	owners := map[Owner]bool{DeviceOwner(id): true}
	for chID, ch := range s.channels {
		if ch.DeviceID == id {
			owners[ChannelOwner(chID)] = true
			delete(s.channels, chID)
		}
	}
	s.removeOwned(owners)
	delete(s.devices, id)

	for _, d := range s.devices {
		for i, parent := range d.Parents {
			if parent == id {
				d.Parents = append(d.Parents[:i:i], d.Parents[i+1:]...)
				break
			}
		}
	}
}

func (s *snapshot) removeChannel(id string) {
	s.removeOwned(map[Owner]bool{ChannelOwner(id): true})
	delete(s.channels, id)
}

func (s *snapshot) removeProperty(id string) {
	for _, pid := range s.withMappedChildren(map[string]bool{id: true}) {
		delete(s.properties, pid)
	}
}
