package venue

// ErrorFlagKey is the field some extractions attach to signal per-record failure.
const ErrorFlagKey = "error"

// DefaultNameKey identifies a venue for duplicate suppression.
const DefaultNameKey = "name"

// LineLogger receives human-readable narration lines.
type LineLogger interface {
	Logf(format string, args ...any)
}

// StripErrorFlag removes the error field when it is exactly boolean false.
// Any other error value is left on the record.
func StripErrorFlag(r *Record) bool {
	v, ok := r.Get(ErrorFlagKey)
	if !ok {
		return false
	}
	if flag, isBool := v.(bool); isBool && !flag {
		return r.Delete(ErrorFlagKey)
	}
	return false
}

// IsComplete reports whether every required key is present with a non-null,
// non-empty value.
func IsComplete(r Record, requiredKeys []string) bool {
	return len(MissingKeys(r, requiredKeys)) == 0
}

// MissingKeys lists the required keys that are absent, null, or empty.
func MissingKeys(r Record, requiredKeys []string) []string {
	var missing []string
	for _, key := range requiredKeys {
		v, ok := r.Get(key)
		if !ok || v == nil {
			missing = append(missing, key)
			continue
		}
		if s, isString := v.(string); isString && s == "" {
			missing = append(missing, key)
		}
	}
	return missing
}

// IsDuplicate reports whether name was already seen. Callers add the name
// after a negative result.
func IsDuplicate(name string, seen *SeenSet) bool {
	return seen.Contains(name)
}

// SeenSet tracks venue names for the lifetime of one run. It is not safe for
// concurrent use; a run processes pages sequentially.
type SeenSet struct {
	names map[string]struct{}
}

// NewSeenSet returns an empty set.
func NewSeenSet() *SeenSet {
	return &SeenSet{names: make(map[string]struct{})}
}

// Add records name.
func (s *SeenSet) Add(name string) {
	s.names[name] = struct{}{}
}

// Contains reports whether name was recorded.
func (s *SeenSet) Contains(name string) bool {
	_, ok := s.names[name]
	return ok
}

// Len returns the number of distinct names recorded.
func (s *SeenSet) Len() int {
	return len(s.names)
}

// FilterStats counts how a page of raw records was triaged.
type FilterStats struct {
	Raw        int
	Incomplete int
	Duplicates int
	Kept       int
}

// Validator applies the completeness and duplicate rules to extracted pages.
type Validator struct {
	RequiredKeys []string
	// NameKey is the identity field used for duplicate suppression.
	NameKey string
}

// NewValidator builds a Validator deduplicating on DefaultNameKey.
func NewValidator(requiredKeys []string) Validator {
	return Validator{
		RequiredKeys: append([]string(nil), requiredKeys...),
		NameKey:      DefaultNameKey,
	}
}

// Filter strips error flags, drops incomplete records, and suppresses names
// already present in seen. Surviving names are added to seen. Records without
// a name value are kept without a duplicate check.
func (v Validator) Filter(raw []Record, seen *SeenSet, log LineLogger) ([]Record, FilterStats) {
	if log == nil {
		log = discardLogger{}
	}
	nameKey := v.NameKey
	if nameKey == "" {
		nameKey = DefaultNameKey
	}
	stats := FilterStats{Raw: len(raw)}
	kept := make([]Record, 0, len(raw))
	for i := range raw {
		rec := raw[i].Clone()
		log.Logf("[CHECK] Processing venue: %s", rec)
		StripErrorFlag(&rec)

		if missing := MissingKeys(rec, v.RequiredKeys); len(missing) > 0 {
			stats.Incomplete++
			log.Logf("[SKIP] Incomplete venue, missing %v", missing)
			continue
		}

		name := rec.Text(nameKey)
		if name != "" {
			if IsDuplicate(name, seen) {
				stats.Duplicates++
				log.Logf("[SKIP] Duplicate venue '%s'", name)
				continue
			}
			seen.Add(name)
		}
		kept = append(kept, rec)
	}
	stats.Kept = len(kept)
	return kept, stats
}

type discardLogger struct{}

func (discardLogger) Logf(string, ...any) {}
