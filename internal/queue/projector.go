package queue

import (
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-token-queue/internal/appointment"
)

// QueueView is the derived state of one partition's queue.
type QueueView struct {
	Partition appointment.Partition `json:"partition"`
	// Entries holds every appointment of the partition in queue order.
	Entries []appointment.Appointment `json:"entries"`

	Current *appointment.Appointment `json:"current,omitempty"`
	Next    *appointment.Appointment `json:"next,omitempty"`
	// AboutToBeCalled is the first token holder when nobody is being seen.
	// It is not the current patient.
	AboutToBeCalled *appointment.Appointment `json:"about_to_be_called,omitempty"`

	WaitingCount    int `json:"waiting_count"`
	InProgressCount int `json:"in_progress_count"`
	CompletedCount  int `json:"completed_count"`
	ScheduledCount  int `json:"scheduled_count"`
	CancelledCount  int `json:"cancelled_count"`
	LastIssuedToken int `json:"last_issued_token"`

	// Anomalies lists in_progress appointments beyond Current. It is only
	// non-empty when the store violates the one-current-patient invariant.
	Anomalies []uuid.UUID `json:"anomalies,omitempty"`
}

// less is a total order over appointments: token holders by token, then the
// rest by creation time, with the id as the final tie-break.
func less(a, b appointment.Appointment) bool {
	switch {
	case a.HasToken() && b.HasToken():
		if a.Token() != b.Token() {
			return a.Token() < b.Token()
		}
	case a.HasToken():
		return true
	case b.HasToken():
		return false
	}

	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return strings.Compare(a.ID.String(), b.ID.String()) < 0
}

// Project derives the queue of partition p from apps. It has no side effects
// and its result does not depend on the order of apps.
func Project(apps []appointment.Appointment, p appointment.Partition) QueueView {
	view := QueueView{
		Partition: p,
		Entries:   []appointment.Appointment{},
	}

	for _, a := range apps {
		if a.ServiceDate == p.Date && a.ProviderID == p.ProviderID {
			view.Entries = append(view.Entries, a)
		}
	}

	sort.SliceStable(view.Entries, func(i, j int) bool {
		return less(view.Entries[i], view.Entries[j])
	})

	for i := range view.Entries {
		a := &view.Entries[i]

		if a.Token() > view.LastIssuedToken {
			view.LastIssuedToken = a.Token()
		}

		switch a.Status {
		case appointment.StatusScheduled:
			view.ScheduledCount++
		case appointment.StatusTokenIssued:
			view.WaitingCount++
		case appointment.StatusInProgress:
			view.InProgressCount++
			if view.Current == nil {
				view.Current = a
			} else {
				view.Anomalies = append(view.Anomalies, a.ID)
			}
		case appointment.StatusCompleted:
			view.CompletedCount++
		case appointment.StatusCancelled:
			view.CancelledCount++
		}
	}

	for i := range view.Entries {
		a := &view.Entries[i]
		if a.Status == appointment.StatusTokenIssued {
			view.Next = a
			break
		}
	}

	if view.Current == nil {
		view.AboutToBeCalled = view.Next
	}

	return view
}

// Projector wraps Project and reports invariant violations it finds.
type Projector struct {
	log zerolog.Logger
}

func NewProjector(log zerolog.Logger) *Projector {
	return &Projector{log: log}
}

func (p *Projector) Project(apps []appointment.Appointment, partition appointment.Partition) QueueView {
	view := Project(apps, partition)
	if len(view.Anomalies) > 0 {
		ids := make([]string, len(view.Anomalies))
		for i, id := range view.Anomalies {
			ids[i] = id.String()
		}
		p.log.Warn().
			Str("partition", partition.String()).
			Str("current", view.Current.ID.String()).
			Strs("also_in_progress", ids).
			Msg("more than one appointment in progress")
	}
	return view
}
