package workspace

import (
	"crypto/sha1"
	"encoding/json"
	"fmt"

	"github.com/deltatree/coretree/digest"
)

// JournalEntry is one append-only transition in the workspace journal
// (spec §3, §9: "A monotone append-only log of state transitions,
// truncated at commit. Never modified in place; each entry's prefix is a
// self-length + sha1 of the prior entry for tamper-evidence across
// crashes.").
type JournalEntry struct {
	PackageID  string     `json:"package_id"`
	Path       string     `json:"path"`
	Status     FileStatus `json:"status"`
	Cursor     int64      `json:"cursor"`
	PrevLength int        `json:"prev_length"`
	PrevDigest digest.Digest `json:"prev_digest"`
}

// encodeEntry is the canonical byte form hashed into the next entry's
// PrevDigest, and is a separate concept from the repo package's
// canonical-JSON documents: it only needs to be stable within a single
// process's journal, not portable or sorted.
func encodeEntry(e JournalEntry) ([]byte, error) {
	return json.Marshal(e)
}

// AppendEntry appends a new entry to journal, chaining it to the
// previous entry's self-length and digest so an altered entry, or one
// removed from between two others, is detectable on replay (spec §9).
// Entries dropped from either end of the journal leave a valid chain.
func AppendEntry(journal []JournalEntry, next JournalEntry) ([]JournalEntry, error) {
	if len(journal) > 0 {
		prev := journal[len(journal)-1]
		b, err := encodeEntry(prev)
		if err != nil {
			return nil, fmt.Errorf("workspace: encode prior journal entry: %w", err)
		}
		h := sha1.Sum(b)
		d, err := digest.New(h[:])
		if err != nil {
			return nil, err
		}
		next.PrevLength = len(b)
		next.PrevDigest = d
	}
	return append(journal, next), nil
}

// VerifyChain checks that every entry's PrevLength/PrevDigest matches
// the actual encoding of its predecessor, detecting an entry altered or
// removed between two others; it cannot detect entries dropped from
// either end.
func VerifyChain(journal []JournalEntry) error {
	for i := 1; i < len(journal); i++ {
		b, err := encodeEntry(journal[i-1])
		if err != nil {
			return err
		}
		if journal[i].PrevLength != len(b) {
			return fmt.Errorf("workspace: journal entry %d: length mismatch", i)
		}
		h := sha1.Sum(b)
		want, err := digest.New(h[:])
		if err != nil {
			return err
		}
		if journal[i].PrevDigest != want {
			return fmt.Errorf("workspace: journal entry %d: digest mismatch", i)
		}
	}
	return nil
}
