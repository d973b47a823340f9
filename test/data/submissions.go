package data

import (
	"fmt"
	"github.com/HISP-Uganda/dhis2-alma/internal/alma"
	"sync"
)

// Submissions records what the fake ALMA endpoint received.
type Submissions struct {
	received []alma.Submission
	lock     *sync.Mutex
}

func NewSubmissions() *Submissions {
	return &Submissions{lock: &sync.Mutex{}}
}

func (s *Submissions) Record(submission alma.Submission) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.received = append(s.received, submission)
}

func (s *Submissions) Count() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.received)
}

func (s *Submissions) Reset() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.received = nil
}

// Validate checks that every unit in OrgUnits was submitted once under Scorecard.
func (s *Submissions) Validate() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	seen := map[string]int{}
	for _, submission := range s.received {
		if submission.Scorecard != Scorecard {
			return fmt.Errorf("submission for %s has scorecard %q", submission.OrgUnit, submission.Scorecard)
		}
		if len(submission.Rows) != len(AnalyticsPage.Rows) {
			return fmt.Errorf("submission for %s has %d rows", submission.OrgUnit, len(submission.Rows))
		}
		seen[submission.OrgUnit]++
	}
	for _, unit := range OrgUnits {
		if seen[unit.Id] != 1 {
			return fmt.Errorf("unit %s was submitted %d times", unit.Id, seen[unit.Id])
		}
	}
	if len(s.received) != len(OrgUnits) {
		return fmt.Errorf("expected %d submissions, got %d", len(OrgUnits), len(s.received))
	}
	return nil
}
