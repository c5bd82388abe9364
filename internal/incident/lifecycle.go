package incident

import "time"

// IsTerminal reports whether a status ends notification activity for an incident.
// FAILED is included because nothing is left to escalate once processing gave up.
func IsTerminal(s Status) bool {
	return s == StatusResolved || s == StatusClosed || s == StatusFailed
}

// IsActive reports whether an incident still counts as open work.
func IsActive(s Status) bool {
	switch s {
	case StatusReceived, StatusClassifying, StatusProcessing, StatusInProgress:
		return true
	}
	return false
}

// closesChannel reports whether entering s archives the chat channel.
func closesChannel(s Status) bool {
	return s == StatusResolved || s == StatusClosed
}

// Transition moves inc to status `to`. Any status may follow any other.
//
// ResolvedAt is stamped only on the first entry into RESOLVED. The returned
// archive flag is true exactly once per incident: on the first entry into
// RESOLVED or CLOSED while a chat channel exists. ChannelArchivedAt records
// that so later transitions (or other workers) do not archive again.
func Transition(inc *Incident, to Status, now time.Time) (archive bool) {
	inc.Status = to
	inc.UpdatedAt = now

	if to == StatusResolved && inc.ResolvedAt == nil {
		t := now
		inc.ResolvedAt = &t
	}

	if closesChannel(to) && inc.ChatChannelID != "" && inc.ChannelArchivedAt == nil {
		t := now
		inc.ChannelArchivedAt = &t
		return true
	}
	return false
}
