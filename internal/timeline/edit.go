package timeline

import (
	"slices"

	"github.com/seantiz/cutline/internal/model"
)

// The mutators below keep the no-overlap invariant: each either applies a
// change that leaves the track overlap-free or returns an error and leaves the
// track untouched.

// AddElement inserts e, keeping elements ordered by start time.
func (tr *Track) AddElement(e Element) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if tr.indexOf(e.ID) >= 0 {
		return model.Errorf(model.ErrValidation, "track %s: duplicate element id %s", tr.ID, e.ID)
	}
	if err := tr.fits(e, ""); err != nil {
		return err
	}
	tr.Elements = append(tr.Elements, e)
	tr.sort()
	return nil
}

// MoveElement changes an element's start time.
func (tr *Track) MoveElement(id string, startTime float64) error {
	return tr.update(id, func(e *Element) { e.StartTime = startTime })
}

// TrimElement changes an element's trims.
func (tr *Track) TrimElement(id string, trimStart, trimEnd float64) error {
	return tr.update(id, func(e *Element) {
		e.TrimStart = trimStart
		e.TrimEnd = trimEnd
	})
}

// RemoveElement deletes an element; removal can never introduce an overlap.
func (tr *Track) RemoveElement(id string) error {
	i := tr.indexOf(id)
	if i < 0 {
		return model.Errorf(model.ErrValidation, "track %s: no element %s", tr.ID, id)
	}
	tr.Elements = slices.Delete(tr.Elements, i, i+1)
	return nil
}

func (tr *Track) update(id string, change func(*Element)) error {
	i := tr.indexOf(id)
	if i < 0 {
		return model.Errorf(model.ErrValidation, "track %s: no element %s", tr.ID, id)
	}
	candidate := tr.Elements[i]
	change(&candidate)
	if err := candidate.Validate(); err != nil {
		return err
	}
	if err := tr.fits(candidate, id); err != nil {
		return err
	}
	tr.Elements[i] = candidate
	tr.sort()
	return nil
}

// fits checks candidate against every element except the one named skip.
func (tr *Track) fits(candidate Element, skip string) error {
	for _, other := range tr.Elements {
		if other.ID == skip {
			continue
		}
		if Overlaps(candidate, other) {
			return model.Errorf(model.ErrValidation, "track %s: element %s would overlap %s", tr.ID, candidate.ID, other.ID)
		}
	}
	return nil
}

func (tr *Track) indexOf(id string) int {
	return slices.IndexFunc(tr.Elements, func(e Element) bool { return e.ID == id })
}

func (tr *Track) sort() {
	slices.SortStableFunc(tr.Elements, func(a, b Element) int {
		switch {
		case a.StartTime < b.StartTime:
			return -1
		case a.StartTime > b.StartTime:
			return 1
		default:
			return 0
		}
	})
}
