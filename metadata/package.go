package metadata

import (
	"encoding/json"
	"fmt"

	"github.com/deltatree/coretree/digest"
)

// PackageDescriptor is one entry in the repository's packages index
// (spec §3). FromRevision nil means a fresh-install package.
type PackageDescriptor struct {
	ID               string        `json:"package_id"`
	FromRevision     *string       `json:"from_revision,omitempty"`
	ToRevision       string        `json:"to_revision"`
	OperationsDigest digest.Digest `json:"operations_digest"`
	Size             int64         `json:"size"`
	CodecSummary     []string      `json:"codec_summary"`
}

// PackagesDoc is the `/packages` top-level document.
type PackagesDoc struct {
	Packages []PackageDescriptor
	Extra    map[string]json.RawMessage
}

func (d PackagesDoc) MarshalJSON() ([]byte, error) {
	m := map[string]json.RawMessage{}
	for k, v := range d.Extra {
		m[k] = v
	}
	packages := d.Packages
	if packages == nil {
		packages = []PackageDescriptor{}
	}
	pb, err := json.Marshal(packages)
	if err != nil {
		return nil, err
	}
	m["packages"] = pb
	return json.Marshal(m)
}

func (d *PackagesDoc) UnmarshalJSON(b []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("metadata: packages doc: %w", err)
	}
	d.Extra = map[string]json.RawMessage{}
	for k, v := range m {
		if k == "packages" {
			continue
		}
		d.Extra[k] = v
	}
	if raw, ok := m["packages"]; ok {
		if err := json.Unmarshal(raw, &d.Packages); err != nil {
			return fmt.Errorf("metadata: packages field: %w", err)
		}
	}
	return nil
}

// FormatMagic/FormatVersion identify the package container format
// (spec §4.2 Header).
const (
	FormatMagic   = "CORETREE-PKG"
	FormatVersion = 1
)

// PackageMetadata is the `package/{id}.metadata` document: the header
// plus the ordered operation list for one package (spec §4.2, §4.3).
type PackageMetadata struct {
	FormatMagic   string
	FormatVersion int
	Compressors   []string
	Patchers      []string
	Operations    []Operation
	Extra         map[string]json.RawMessage
}

func (m PackageMetadata) MarshalJSON() ([]byte, error) {
	raws, err := MarshalOperations(m.Operations)
	if err != nil {
		return nil, err
	}
	doc := map[string]json.RawMessage{}
	for k, v := range m.Extra {
		doc[k] = v
	}
	set := func(k string, v interface{}) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		doc[k] = b
		return nil
	}
	if err := set("format_magic", m.FormatMagic); err != nil {
		return nil, err
	}
	if err := set("format_version", m.FormatVersion); err != nil {
		return nil, err
	}
	if err := set("compressors", m.Compressors); err != nil {
		return nil, err
	}
	if err := set("patchers", m.Patchers); err != nil {
		return nil, err
	}
	if err := set("operations", raws); err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

func (m *PackageMetadata) UnmarshalJSON(b []byte) error {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("metadata: package metadata doc: %w", err)
	}
	m.Extra = map[string]json.RawMessage{}
	known := map[string]bool{"format_magic": true, "format_version": true, "compressors": true, "patchers": true, "operations": true}
	for k, v := range doc {
		if known[k] {
			continue
		}
		m.Extra[k] = v
	}
	if raw, ok := doc["format_magic"]; ok {
		if err := json.Unmarshal(raw, &m.FormatMagic); err != nil {
			return err
		}
	}
	if raw, ok := doc["format_version"]; ok {
		if err := json.Unmarshal(raw, &m.FormatVersion); err != nil {
			return err
		}
	}
	if raw, ok := doc["compressors"]; ok {
		if err := json.Unmarshal(raw, &m.Compressors); err != nil {
			return err
		}
	}
	if raw, ok := doc["patchers"]; ok {
		if err := json.Unmarshal(raw, &m.Patchers); err != nil {
			return err
		}
	}
	if raw, ok := doc["operations"]; ok {
		var rawOps []json.RawMessage
		if err := json.Unmarshal(raw, &rawOps); err != nil {
			return err
		}
		ops, err := UnmarshalOperations(rawOps)
		if err != nil {
			return err
		}
		m.Operations = ops
	}
	return nil
}

// Digest computes the sha1 of this metadata document's canonical
// encoding, used as the package id per spec §6 ("Package IDs are
// lowercase hex sha1 of the package's metadata file at rest").
func (m PackageMetadata) Digest() (digest.Digest, error) {
	b, err := MarshalCanonical(m)
	if err != nil {
		return digest.Digest{}, err
	}
	h := digest.Hasher()
	h.Write(b)
	return digest.New(h.Sum(nil))
}
