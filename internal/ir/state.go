package ir

// State is the persistent ledger of handles carried between runs of one
// environment.
type State struct {
	Version     int             `json:"version"`
	Serial      int             `json:"serial"`
	Lineage     string          `json:"lineage"`
	Environment string          `json:"environment,omitempty"`
	Records     []*HandleRecord `json:"records"`
}

// HandleRecord remembers the handle produced for a resource together with
// the fingerprint of the inputs that produced it.
type HandleRecord struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Fingerprint string `json:"fingerprint"`
	Handle      string `json:"handle"`
	RunID       string `json:"runId,omitempty"`
	DeployedAt  string `json:"deployedAt,omitempty"`
}

// Record returns the ledger entry for id, or nil.
func (s *State) Record(id string) *HandleRecord {
	for _, r := range s.Records {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// Put inserts or replaces the entry for rec.ID.
func (s *State) Put(rec *HandleRecord) {
	for i, r := range s.Records {
		if r.ID == rec.ID {
			s.Records[i] = rec
			return
		}
	}
	s.Records = append(s.Records, rec)
}

// Remove deletes the entry for id and reports whether it existed.
func (s *State) Remove(id string) bool {
	for i, r := range s.Records {
		if r.ID == id {
			s.Records = append(s.Records[:i], s.Records[i+1:]...)
			return true
		}
	}
	return false
}
