package core

import "time"

// LinkAttempt is one staged link of a candidate pair.
type LinkAttempt struct {
	// Number is the 1-based attempt counter across the whole search.
	Number int `json:"number"`

	// Round is the 1-based search round the attempt belongs to.
	Round int `json:"round"`

	Candidates CandidateSet `json:"candidates"`

	// Binary is the linker output path. It exists on disk iff Linked.
	Binary string `json:"binary"`

	Linked bool `json:"linked"`

	// ArchiveAge is the time since the staged archive was created,
	// captured once when it was staged. Valid only if HasArchive.
	ArchiveAge time.Duration `json:"archive_age"`
	HasArchive bool          `json:"has_archive"`

	// Err is the absorbed toolchain failure of an unsuccessful attempt.
	Err error `json:"-"`
}

// ResultSet holds the successful attempts that staged an archive, in
// attempt order.
type ResultSet []LinkAttempt

// Select returns the attempt built from the most recently created archive,
// i.e. the one with the smallest recorded age. Ties keep the earliest
// attempt. ok is false for an empty set.
func Select(results ResultSet) (winner LinkAttempt, ok bool) {
	for i, attempt := range results {
		if i == 0 || attempt.ArchiveAge < winner.ArchiveAge {
			winner = attempt
		}
	}
	return winner, len(results) > 0
}
