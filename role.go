package slotty

// Role represent the current role of a member within its partition group.
// The role can only be Elector, Candidate or Leader
type Role uint32

const (
	// Elector role is a member that participate into the voting campaign.
	// It's a passive member that issue no requests on his own but simply respond from the leader
	Elector Role = iota

	// Candidate role is a member asking for votes.
	// It can become a Leader
	Candidate

	// Leader role is a member that received the majority of the votes.
	// Writes and strong reads of the group go through it
	Leader
)

// String return a human readable role
func (r Role) String() string {
	switch r {
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	}
	return "elector"
}
