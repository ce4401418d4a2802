package metadata

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is one entry in the repository's versions list (spec §3).
type Version struct {
	Revision    string    `json:"revision"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
}

// VersionsDoc is the `/versions` top-level document. Extra preserves
// unknown top-level keys verbatim across read-modify-write cycles (spec
// §4.2 forward compatibility).
type VersionsDoc struct {
	Versions []Version
	Extra    map[string]json.RawMessage
}

func (d VersionsDoc) MarshalJSON() ([]byte, error) {
	m := map[string]json.RawMessage{}
	for k, v := range d.Extra {
		m[k] = v
	}
	versions := d.Versions
	if versions == nil {
		versions = []Version{}
	}
	vb, err := json.Marshal(versions)
	if err != nil {
		return nil, err
	}
	m["versions"] = vb
	return json.Marshal(m)
}

func (d *VersionsDoc) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("metadata: versions doc: %w", err)
	}
	d.Extra = map[string]json.RawMessage{}
	for k, v := range m {
		if k == "versions" {
			continue
		}
		d.Extra[k] = v
	}
	if raw, ok := m["versions"]; ok {
		if err := json.Unmarshal(raw, &d.Versions); err != nil {
			return fmt.Errorf("metadata: versions field: %w", err)
		}
	}
	return nil
}

// CurrentDoc is the `/current` top-level document. Revision is nil when
// the repository is uninitialised (spec §3).
type CurrentDoc struct {
	Revision *string
	Extra    map[string]json.RawMessage
}

func (d CurrentDoc) MarshalJSON() ([]byte, error) {
	m := map[string]json.RawMessage{}
	for k, v := range d.Extra {
		m[k] = v
	}
	if d.Revision != nil {
		rb, err := json.Marshal(*d.Revision)
		if err != nil {
			return nil, err
		}
		m["revision"] = rb
	}
	return json.Marshal(m)
}

func (d *CurrentDoc) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("metadata: current doc: %w", err)
	}
	d.Extra = map[string]json.RawMessage{}
	for k, v := range m {
		if k == "revision" {
			continue
		}
		d.Extra[k] = v
	}
	if raw, ok := m["revision"]; ok {
		var rev string
		if err := json.Unmarshal(raw, &rev); err != nil {
			return fmt.Errorf("metadata: current.revision: %w", err)
		}
		d.Revision = &rev
	}
	return nil
}
