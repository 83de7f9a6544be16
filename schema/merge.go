package schema

// MergeWithInitSchema reconciles the manifest against the built-in
// definitions. See MergeWith.
func (s *Schema) MergeWithInitSchema() error {
	return s.MergeWith(New())
}

// MergeWith reconciles the manifest against a reference schema.
//
// Leaves the reference defines but the manifest lacks appear with their
// defaults. Leaves the manifest holds that the reference no longer defines
// are dropped. Values at keypaths present in both are kept, normalized
// under the reference type; values that no longer fit it are dropped.
// Documentation comes from the reference. History is carried over as is.
func (s *Schema) MergeWith(ref *Schema) error {
	merged := ref.Copy()

	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	walkLeaves(s.root, nil, func(kp Keypath, old *Param) {
		if kp[0] == HistoryKey {
			return
		}
		node, _, err := merged.instantiate(kp)
		if err != nil {
			return
		}
		target, ok := node.(*Param)
		if !ok {
			return
		}
		for step, byIndex := range old.values {
			for index, nv := range byIndex {
				v, err := target.Type.Normalize(nv.Value)
				if err != nil {
					if firstErr == nil {
						firstErr = valueError(kp, err, "value dropped during merge")
					}
					continue
				}
				target.store(step, index, &NodeValue{Value: v, Signature: nv.Signature})
			}
		}
		target.Lock = old.Lock
		if old.Notes != "" {
			target.Notes = old.Notes
		}
	})

	if hist, ok := s.root[HistoryKey].(branch); ok {
		merged.root[HistoryKey] = cloneNode(hist)
	}
	s.root = merged.root
	return firstErr
}
