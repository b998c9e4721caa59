package policies

import "github.com/arinet/ipcpd/internal/pdu"

// QoSPolicy decides whether a PDU is admitted onto a next-hop queue given
// how full that queue already is.
type QoSPolicy interface {
	Admit(p pdu.PDU, queueLen, queueCapacity int) bool
}

// AdmitAll never drops on admission; scheduling alone governs ordering.
type AdmitAll struct{}

func (AdmitAll) Admit(pdu.PDU, int, int) bool { return true }

// PriorityThreshold drops PDUs whose priority is below Threshold once the
// queue exceeds FullFraction of capacity (default 75%, per the spec).
type PriorityThreshold struct {
	Threshold    uint8
	FullFraction float64
}

// NewPriorityThreshold returns a PriorityThreshold with the spec's default
// 75% full-fraction trigger.
func NewPriorityThreshold(threshold uint8) PriorityThreshold {
	return PriorityThreshold{Threshold: threshold, FullFraction: 0.75}
}

func (p PriorityThreshold) Admit(pd pdu.PDU, queueLen, queueCapacity int) bool {
	if queueCapacity <= 0 {
		return true
	}
	fullness := float64(queueLen) / float64(queueCapacity)
	if fullness > p.FullFraction && pd.QoS.Priority < p.Threshold {
		return false
	}
	return true
}
