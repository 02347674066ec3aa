package records

// Decision is the outcome of comparing a client-claimed version against the
// stored one.
type Decision int

const (
	// DecisionAccept means the write may commit.
	DecisionAccept Decision = iota
	// DecisionConflict means the write must be rejected and reported back
	// with the server's version.
	DecisionConflict
)

// Decide is the single version-guard rule shared by create-shadow detection
// and update conflict detection: a write is accepted iff the client's
// version is strictly newer than the server's. serverVersion 0 means no
// prior version exists.
//
// Decide is pure and must be evaluated inside the same store transaction
// that commits the resulting write, so the compared server version cannot
// change between decision and commit.
func Decide(clientVersion, serverVersion int64) Decision {
	if serverVersion == 0 || clientVersion > serverVersion {
		return DecisionAccept
	}
	return DecisionConflict
}
