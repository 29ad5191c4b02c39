package peer

// VoteState record member voting status.
type VoteState int

// Vote status
const (
	VoteNone VoteState = iota
	VoteReject
	VoteGranted
)

// State transfer graph for replication progress.
//
// Default state => probe (m: 0, n: log.lastPos)
//
// probe:
//	send log entries (pause: true)
//	unreachable (pause: false)
//	receive append response (pause: false)
//		success: => replicate (m: n, n: n+1)
//		failed: => probe (m: 0, n: max{1, min{rejectPos, hintPos+1}})
//		ignore on rejectPos != n-1
//	send snapshot => snapshot (p: snapshot.meta.pos)
//
// snapshot:
//	receive snapshot response
//		success: => probe (m: p, n: p + 1), leader may have taken a
//			newer snapshot meanwhile so probe before replicating
//	unreachable => probe (m: 0, n: p)
//
// replicate:
//	send log entries (size: {infs.left, log.lastPos-n}, n: last sent)
//	unreachable => probe (n: m + 1)
//	receive replicate response:
//		success (m: max{m, pos})
//		failed => probe (n: min{rejectPos, hintPos})
type progressState int

const (
	progressStateProbe progressState = iota
	progressStateReplicate
	progressStateSnapshot
)

var progressStateString = []string{
	"Probe",
	"Replicate",
	"Snapshot",
}

func (state progressState) String() string {
	return progressStateString[state]
}

func defaultProgressState() progressState {
	return progressStateProbe
}
