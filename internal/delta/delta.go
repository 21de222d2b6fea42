package delta

// Entity is an opaque field map. Field semantics belong to the client; the
// engine only relies on structural equality and null-vs-present.
type Entity = map[string]any

// EntityDelta maps entity ids to overlays. A nil overlay removes the entity.
// Inside an overlay a nil value removes the field, any other value replaces
// it. Entities absent from the delta are untouched.
type EntityDelta = map[string]map[string]any

// Compute diffs two entity maps and returns the minimal overlay that turns
// prev into next. Entities present only in next appear as full field maps,
// entities present only in prev appear as nil, and shared entities carry only
// the fields that differ (removed fields as nil).
func Compute(prev, next map[string]Entity) EntityDelta {
	out := make(EntityDelta)

	for id, nextEnt := range next {
		prevEnt, ok := prev[id]
		if !ok {
			out[id] = CloneEntity(nextEnt)
			continue
		}
		changes := make(map[string]any)
		for field, value := range nextEnt {
			if old, ok := prevEnt[field]; !ok || !Equal(old, value) {
				changes[field] = CloneValue(value)
			}
		}
		for field := range prevEnt {
			if _, ok := nextEnt[field]; !ok {
				changes[field] = nil
			}
		}
		if len(changes) > 0 {
			out[id] = changes
		}
	}

	for id := range prev {
		if _, ok := next[id]; !ok {
			out[id] = nil
		}
	}

	return out
}

// Apply merges a delta into an entity map in place.
func Apply(entities map[string]Entity, d EntityDelta) {
	for id, change := range d {
		if change == nil {
			delete(entities, id)
			continue
		}
		ent, ok := entities[id]
		if !ok {
			ent = make(Entity, len(change))
			entities[id] = ent
		}
		for field, value := range change {
			if value == nil {
				delete(ent, field)
				continue
			}
			ent[field] = CloneValue(value)
		}
	}
}

// IsEmpty reports whether the delta carries no changes.
func IsEmpty(d EntityDelta) bool {
	return len(d) == 0
}

// Equal compares two JSON-representable values structurally. Map key order is
// irrelevant and numeric values compare by magnitude regardless of the Go type
// a decoder picked for them.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for key, value := range av {
			other, ok := bv[key]
			if !ok || !Equal(value, other) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i, value := range av {
			if !Equal(value, bv[i]) {
				return false
			}
		}
		return true
	}
	if af, ok := asFloat(a); ok {
		bf, ok := asFloat(b)
		return ok && af == bf
	}
	return a == b
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	}
	return 0, false
}

// CloneEntities deep-copies an entity map.
func CloneEntities(entities map[string]Entity) map[string]Entity {
	cloned := make(map[string]Entity, len(entities))
	for id, ent := range entities {
		cloned[id] = CloneEntity(ent)
	}
	return cloned
}

// CloneEntity deep-copies a single entity.
func CloneEntity(ent Entity) Entity {
	cloned := make(Entity, len(ent))
	for field, value := range ent {
		cloned[field] = CloneValue(value)
	}
	return cloned
}

// CloneValue deep-copies a JSON-representable value.
func CloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		cloned := make(map[string]any, len(v))
		for key, inner := range v {
			cloned[key] = CloneValue(inner)
		}
		return cloned
	case []any:
		cloned := make([]any, len(v))
		for i, inner := range v {
			cloned[i] = CloneValue(inner)
		}
		return cloned
	default:
		return value
	}
}
