// Package alarm decides whether any of a user's scheduled check-in times is
// due at a given moment.
//
// Matching is a pure function of its inputs. Times are compared on the
// circular 24-hour clock, so an alarm at 23:59 matches a clock reading of
// 00:01 with a two-minute tolerance.
//
// When several entries are within tolerance the winner is chosen by:
//
//  1. the smallest absolute difference;
//  2. then category priority: medication, injection, casual;
//  3. then the earliest position in the input list.
package alarm

import (
	"fmt"
	"time"

	"github.com/MrWong99/elf/pkg/profile"
)

// DefaultTolerance is the window within which an alarm is considered due.
const DefaultTolerance = 3 * time.Minute

// Category classifies an alarm entry.
type Category string

const (
	Casual     Category = "casual"
	Medication Category = "medication"
	Injection  Category = "injection"
)

// IsHealth reports whether c is a dose reminder rather than a casual check-in.
func (c Category) IsHealth() bool {
	return c == Medication || c == Injection
}

// priority orders categories for tie-breaking; lower wins.
func (c Category) priority() int {
	switch c {
	case Medication:
		return 0
	case Injection:
		return 1
	default:
		return 2
	}
}

// Entry is a single scheduled alarm time.
type Entry struct {
	Category Category
	// Name is the medication or injection name. Empty for casual entries.
	Name string
	Time profile.TimeOfDay
}

// Validate checks the entry invariants.
func (e Entry) Validate() error {
	switch e.Category {
	case Casual:
	case Medication, Injection:
		if e.Name == "" {
			return fmt.Errorf("alarm: %s entry at %s has no name", e.Category, e.Time)
		}
	default:
		return fmt.Errorf("alarm: unknown category %q", e.Category)
	}
	return nil
}

// Match describes the due entry chosen by [FindDue].
type Match struct {
	Entry
	// Diff is the absolute distance between the entry time and now.
	Diff time.Duration
}

// Entries flattens a profile's casual, medication and injection schedules
// into one ordered list: casual first, then medications, then injections.
func Entries(p *profile.Profile) []Entry {
	if p == nil {
		return nil
	}
	var out []Entry
	for _, t := range p.CasualTimes {
		out = append(out, Entry{Category: Casual, Time: t})
	}
	for _, s := range p.Medications {
		for _, t := range s.Times {
			out = append(out, Entry{Category: Medication, Name: s.Name, Time: t})
		}
	}
	for _, s := range p.Injections {
		for _, t := range s.Times {
			out = append(out, Entry{Category: Injection, Name: s.Name, Time: t})
		}
	}
	return out
}

// FindDue returns the entry due at now, if any. An entry is due when its
// distance from now is at most tolerance. Ties are resolved as documented on
// the package.
func FindDue(now profile.TimeOfDay, entries []Entry, tolerance time.Duration) (Match, bool) {
	var (
		best  Match
		found bool
	)
	for _, e := range entries {
		d := e.Time.Distance(now)
		if d > tolerance {
			continue
		}
		if !found || better(e, d, best) {
			best = Match{Entry: e, Diff: d}
			found = true
		}
	}
	return best, found
}

func better(e Entry, d time.Duration, cur Match) bool {
	if d != cur.Diff {
		return d < cur.Diff
	}
	return e.Category.priority() < cur.Category.priority()
}
