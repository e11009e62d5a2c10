package dispatch

import (
	"sort"
	"time"

	"github.com/triplestream/eventlog/internal/events"
)

const (
	priorityFloor = 0.1
	priorityCeil  = 1.0
)

type (
	// Candidate is a project competing for the next dispatch slot.
	Candidate struct {
		Project         events.Project
		LatestEventDate time.Time

		// Occupancy counts the project's deliveries currently in flight.
		Occupancy int
	}

	// Prioritizer orders dispatch candidates. Implementations get the
	// candidates sorted most recent first plus the number of deliveries in
	// flight across all projects.
	Prioritizer interface {
		Prioritize(candidates []Candidate, totalOccupancy int) []Candidate
	}

	// RecencyPrioritizer ranks projects by how recently they produced an
	// event, damped by how much of the pipeline they already occupy. The
	// most recent project gets base priority 1.0 and the least recent 0.1;
	// while any delivery is in flight, each base is divided by the
	// project's occupancy plus one so busy projects yield to idle ones.
	RecencyPrioritizer struct{}
)

// Prioritize implements Prioritizer.
func (RecencyPrioritizer) Prioritize(candidates []Candidate, totalOccupancy int) []Candidate {
	if len(candidates) < 2 {
		return candidates
	}

	type scored struct {
		candidate Candidate
		priority  float64
	}

	span := float64(len(candidates) - 1)
	ranked := make([]scored, len(candidates))

	for i, candidate := range candidates {
		priority := priorityFloor + (priorityCeil-priorityFloor)*(span-float64(i))/span
		if totalOccupancy > 0 {
			priority /= float64(candidate.Occupancy + 1)
		}

		ranked[i] = scored{candidate: candidate, priority: priority}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].priority > ranked[j].priority
	})

	ordered := make([]Candidate, len(ranked))
	for i, s := range ranked {
		ordered[i] = s.candidate
	}

	return ordered
}
