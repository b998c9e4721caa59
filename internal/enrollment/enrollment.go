// Package enrollment implements the IPC Process join protocol: a member
// asking a bootstrap peer for a DIF name, (optionally) a dynamic address,
// and a RIB bulk snapshot, plus the heartbeat-based liveness check and
// re-enrollment that keeps that membership current. The attempt loop's
// exponential backoff mirrors the reconnect loop the teacher used to
// keep a console session alive across transient BMC failures.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arinet/ipcpd/internal/addrpool"
	"github.com/arinet/ipcpd/internal/cdap"
	"github.com/arinet/ipcpd/internal/pdu"
	"github.com/arinet/ipcpd/internal/rib"
	"github.com/arinet/ipcpd/internal/routing"
	"github.com/arinet/ipcpd/internal/shim"
	"github.com/arinet/ipcpd/internal/wire"
)

// State is the member-side enrollment session state machine.
type State int

const (
	NotEnrolled State = iota
	Initiated
	Authenticating
	Synchronizing
	Enrolled
	Failed
)

func (s State) String() string {
	switch s {
	case NotEnrolled:
		return "NotEnrolled"
	case Initiated:
		return "Initiated"
	case Authenticating:
		return "Authenticating"
	case Synchronizing:
		return "Synchronizing"
	case Enrolled:
		return "Enrolled"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

var (
	ErrNotEnrolled             = errors.New("enrollment: not enrolled")
	ErrAlreadyEnrolled         = errors.New("enrollment: already enrolled")
	ErrNoBootstrapPeers        = errors.New("enrollment: no bootstrap peers configured")
	ErrIpcpNameNotSet          = errors.New("enrollment: ipcp name not set")
	ErrPeerUnreachable         = errors.New("enrollment: peer unreachable")
	ErrInvalidResponse         = errors.New("enrollment: invalid response")
	ErrAddressAssignmentFailed = errors.New("enrollment: address assignment failed")
	ErrReEnrollmentRequired    = errors.New("enrollment: re-enrollment required")
)

// TimeoutError reports attempt exhaustion.
type TimeoutError struct{ Attempts int }

func (e *TimeoutError) Error() string { return fmt.Sprintf("enrollment: timed out after %d attempts", e.Attempts) }

// RejectedError wraps a bootstrap-reported rejection reason.
type RejectedError struct{ Reason string }

func (e *RejectedError) Error() string { return fmt.Sprintf("enrollment: rejected: %s", e.Reason) }

// Request is the wire payload a member sends to ask for membership.
type Request struct {
	IPCPName       string
	IPCPAddress    uint64 // 0 requests dynamic assignment
	DIFName        string
	Timestamp      int64
	RequestAddress bool
}

// Response is the wire payload a bootstrap answers with.
type Response struct {
	Accepted        bool
	Error           *string
	AssignedAddress *uint64
	DIFName         string
	RIBSnapshot     []byte
}

func encodeRequest(r Request) []byte {
	w := wire.NewWriter()
	w.PutString(r.IPCPName)
	w.PutUint64(r.IPCPAddress)
	w.PutString(r.DIFName)
	w.PutInt64(r.Timestamp)
	w.PutBool(r.RequestAddress)
	return w.Bytes()
}

func decodeRequest(data []byte) (Request, error) {
	r := wire.NewReader(data)
	var req Request
	req.IPCPName = r.GetString()
	req.IPCPAddress = r.GetUint64()
	req.DIFName = r.GetString()
	req.Timestamp = r.GetInt64()
	req.RequestAddress = r.GetBool()
	if err := r.Err(); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return req, nil
}

func encodeResponse(resp Response) []byte {
	w := wire.NewWriter()
	w.PutBool(resp.Accepted)
	if resp.Error == nil {
		w.PutBool(false)
	} else {
		w.PutBool(true)
		w.PutString(*resp.Error)
	}
	if resp.AssignedAddress == nil {
		w.PutBool(false)
	} else {
		w.PutBool(true)
		w.PutUint64(*resp.AssignedAddress)
	}
	w.PutString(resp.DIFName)
	w.PutBytes(resp.RIBSnapshot)
	return w.Bytes()
}

func decodeResponse(data []byte) (Response, error) {
	r := wire.NewReader(data)
	var resp Response
	resp.Accepted = r.GetBool()
	if r.GetBool() {
		s := r.GetString()
		resp.Error = &s
	}
	if r.GetBool() {
		v := r.GetUint64()
		resp.AssignedAddress = &v
	}
	resp.DIFName = r.GetString()
	resp.RIBSnapshot = r.GetBytes()
	if err := r.Err(); err != nil {
		return Response{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return resp, nil
}

// Config parameterizes the member-side attempt loop and liveness checks.
type Config struct {
	MaxRetries            int
	InitialBackoff        time.Duration
	AttemptTimeout        time.Duration
	HeartbeatIntervalSecs int64
	ConnectionTimeoutSecs int64
}

// Member drives enrol_with_bootstrap, heartbeat tracking, and re-enrollment
// for one IPC Process.
type Member struct {
	mu            sync.Mutex
	ipcpName      string
	localAddr     uint64
	state         State
	failureReason string
	lastHeartbeat *time.Time

	shim   *shim.Shim
	rib    *rib.RIB
	cfg    Config
	logger *logrus.Entry
}

func NewMember(name string, localAddr uint64, s *shim.Shim, r *rib.RIB, cfg Config) *Member {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 5 * time.Second
	}
	return &Member{
		ipcpName:  name,
		localAddr: localAddr,
		state:     NotEnrolled,
		shim:      s,
		rib:       r,
		cfg:       cfg,
		logger:    logrus.WithFields(logrus.Fields{"subsystem": "enrollment", "ipcp": name}),
	}
}

// State reports the member's current enrollment state.
func (m *Member) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LocalAddr reports the address adopted after a successful enrollment
// (or the pre-enrollment value, usually 0).
func (m *Member) LocalAddr() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localAddr
}

// EnrolWithBootstrap runs the attempt loop against bootstrapAddr
// (RINA address) and bootstrapSocket (its known underlay socket), with
// exponential backoff between attempts.
func (m *Member) EnrolWithBootstrap(ctx context.Context, bootstrapAddr uint64, bootstrapSocket string) (string, error) {
	if m.ipcpName == "" {
		return "", ErrIpcpNameNotSet
	}
	m.mu.Lock()
	m.state = Initiated
	m.mu.Unlock()

	udpAddr, err := net.ResolveUDPAddr("udp", bootstrapSocket)
	if err != nil {
		m.setFailed(err.Error())
		return "", fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}
	m.shim.RegisterPeer(bootstrapAddr, udpAddr)

	backoff := m.cfg.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		difName, err := m.attemptOnce(ctx, bootstrapAddr)
		if err == nil {
			now := time.Now()
			m.mu.Lock()
			m.state = Enrolled
			m.lastHeartbeat = &now
			m.mu.Unlock()
			return difName, nil
		}
		lastErr = err
		m.logger.WithError(err).WithField("attempt", attempt).Warn("enrollment attempt failed")

		if attempt == m.cfg.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			m.setFailed(ctx.Err().Error())
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	m.setFailed(lastErr.Error())
	return "", &TimeoutError{Attempts: m.cfg.MaxRetries}
}

func (m *Member) setFailed(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Failed
	m.failureReason = reason
}

func (m *Member) attemptOnce(ctx context.Context, bootstrapAddr uint64) (string, error) {
	session := cdap.NewSession()
	m.logger.WithField("trace_id", session.TraceID).Debug("starting enrollment attempt")

	m.mu.Lock()
	localAddr := m.localAddr
	m.mu.Unlock()

	req := Request{
		IPCPName:       m.ipcpName,
		IPCPAddress:    localAddr,
		DIFName:        "",
		Timestamp:      time.Now().Unix(),
		RequestAddress: localAddr == 0,
	}
	class := "enrollment"
	value := rib.BytesValue(encodeRequest(req))
	msg := cdap.Message{
		OpCode:   cdap.Create,
		ObjName:  "enrollment",
		ObjClass: &class,
		ObjValue: &value,
		InvokeID: session.NextInvokeID(),
	}

	p := pdu.PDU{
		SrcAddr:     localAddr,
		DstAddr:     bootstrapAddr,
		SrcCEPID:    0,
		DstCEPID:    0,
		SequenceNum: 0,
		Type:        pdu.Management,
		Payload:     cdap.Encode(msg),
	}
	if err := m.shim.SendPDU(p); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}

	deadline := time.Now().Add(m.cfg.AttemptTimeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		incoming, _, ok, err := m.shim.RecvPDU()
		if err != nil || !ok {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if incoming.Type != pdu.Management {
			continue
		}
		respMsg, err := cdap.Decode(incoming.Payload)
		if err != nil {
			continue
		}
		if respMsg.ObjClass == nil || *respMsg.ObjClass != "enrollment" {
			continue
		}
		if respMsg.Result != 0 {
			reason := "enrollment rejected"
			if respMsg.ResultReason != nil {
				reason = *respMsg.ResultReason
			}
			return "", &RejectedError{Reason: reason}
		}
		if respMsg.ObjValue == nil {
			return "", ErrInvalidResponse
		}
		raw, _ := respMsg.ObjValue.AsBytes()
		resp, err := decodeResponse(raw)
		if err != nil {
			return "", err
		}
		if !resp.Accepted {
			reason := "rejected"
			if resp.Error != nil {
				reason = *resp.Error
			}
			return "", &RejectedError{Reason: reason}
		}
		return m.applyAcceptedResponse(ctx, resp, bootstrapAddr, session)
	}
	return "", &TimeoutError{Attempts: 1}
}

func (m *Member) applyAcceptedResponse(ctx context.Context, resp Response, bootstrapAddr uint64, session *cdap.Session) (string, error) {
	if resp.AssignedAddress != nil {
		m.mu.Lock()
		m.localAddr = *resp.AssignedAddress
		m.mu.Unlock()
		if _, err := m.rib.Create("/local/address", "address", rib.Integer(int64(*resp.AssignedAddress))); err != nil {
			m.logger.WithError(err).Warn("failed to record assigned local address")
		}
	}

	if len(resp.RIBSnapshot) > 0 {
		if _, err := m.rib.Deserialize(resp.RIBSnapshot); err != nil {
			return "", fmt.Errorf("rib sync failed: %w", err)
		}
	}

	if _, err := m.rib.Create("/dif/name", "dif_info", rib.String(resp.DIFName)); err != nil {
		m.logger.WithError(err).Debug("/dif/name already present")
	}

	m.requestStaticRoutes(ctx, bootstrapAddr, session)

	return resp.DIFName, nil
}

// requestStaticRoutes issues a best-effort CDAP Read for "/routing/static/*"
// and waits for the reply carrying the same invoke id. The reply's value is
// not read and no routes are installed from it; failure here is logged but
// non-fatal.
func (m *Member) requestStaticRoutes(ctx context.Context, bootstrapAddr uint64, session *cdap.Session) {
	class := "static_route"
	read := cdap.Message{
		OpCode:   cdap.Read,
		ObjName:  "/routing/static/*",
		ObjClass: &class,
		InvokeID: session.NextInvokeID(),
	}

	m.mu.Lock()
	localAddr := m.localAddr
	m.mu.Unlock()

	p := pdu.PDU{
		SrcAddr: localAddr,
		DstAddr: bootstrapAddr,
		Type:    pdu.Management,
		Payload: cdap.Encode(read),
	}
	if err := m.shim.SendPDU(p); err != nil {
		m.logger.WithError(err).Info("static route sync request failed, continuing with fewer routes")
		return
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		incoming, _, ok, err := m.shim.RecvPDU()
		if err != nil || !ok {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if incoming.Type != pdu.Management {
			continue
		}
		respMsg, err := cdap.Decode(incoming.Payload)
		if err != nil || respMsg.InvokeID != read.InvokeID {
			continue
		}
		return
	}
	m.logger.Info("static route sync timed out, continuing with fewer routes")
}

// UpdateHeartbeat stamps the liveness clock. A successful
// EnrolWithBootstrap also stamps it; received traffic does not stamp it
// automatically.
func (m *Member) UpdateHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.lastHeartbeat = &now
}

// IsConnectionHealthy reports whether a heartbeat has been seen recently
// enough per ConnectionTimeoutSecs.
func (m *Member) IsConnectionHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastHeartbeat == nil {
		return false
	}
	return time.Since(*m.lastHeartbeat) < time.Duration(m.cfg.ConnectionTimeoutSecs)*time.Second
}

// ReEnroll runs a fresh enrol_with_bootstrap starting from the member's
// current local address (which may already be nonzero).
func (m *Member) ReEnroll(ctx context.Context, bootstrapAddr uint64, bootstrapSocket string) (string, error) {
	m.mu.Lock()
	m.state = Initiated
	m.mu.Unlock()
	return m.EnrolWithBootstrap(ctx, bootstrapAddr, bootstrapSocket)
}

// StartConnectionMonitoring spawns a background task that periodically
// checks liveness and automatically triggers ReEnroll when the connection
// is found unhealthy (the spec's recovery-action Open Question, resolved
// in favor of automatic recovery over silent degradation).
func (m *Member) StartConnectionMonitoring(ctx context.Context, bootstrapAddr uint64, bootstrapSocket string) {
	interval := time.Duration(m.cfg.HeartbeatIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !m.IsConnectionHealthy() {
					m.logger.Warn("connection unhealthy, attempting re-enrollment")
					if _, err := m.ReEnroll(ctx, bootstrapAddr, bootstrapSocket); err != nil {
						m.logger.WithError(err).Error("automatic re-enrollment failed")
					}
				}
			}
		}
	}()
}

// Bootstrap handles enrollment requests and routing-state reads for a
// bootstrap IPC Process.
type Bootstrap struct {
	mu       sync.Mutex
	pool     *addrpool.Pool
	rib      *rib.RIB
	resolver *routing.Resolver
	shim     *shim.Shim
	logger   *logrus.Entry
}

func NewBootstrap(pool *addrpool.Pool, r *rib.RIB, resolver *routing.Resolver, s *shim.Shim) *Bootstrap {
	return &Bootstrap{
		pool:     pool,
		rib:      r,
		resolver: resolver,
		shim:     s,
		logger:   logrus.WithField("subsystem", "enrollment-bootstrap"),
	}
}

// HandleCDAPMessage dispatches an incoming management PDU's CDAP message
// for a bootstrap peer: registering the sender so the response path
// exists, then routing by (op, obj_class/obj_name).
func (b *Bootstrap) HandleCDAPMessage(p pdu.PDU, srcSocket *net.UDPAddr) (cdap.Message, bool) {
	b.shim.RegisterPeer(p.SrcAddr, srcSocket)

	msg, err := cdap.Decode(p.Payload)
	if err != nil {
		b.logger.WithError(err).Warn("dropping undecodable cdap message")
		return cdap.Message{}, false
	}

	switch {
	case msg.OpCode == cdap.Create && msg.ObjClass != nil && *msg.ObjClass == "enrollment":
		return b.handleEnrollmentRequest(msg, p, srcSocket), true
	case msg.OpCode == cdap.Read && len(msg.ObjName) >= 9 && msg.ObjName[:9] == "/routing/":
		return b.emptyRoutingStub(msg), true
	default:
		return cdap.Message{}, false
	}
}

func (b *Bootstrap) emptyRoutingStub(req cdap.Message) cdap.Message {
	resp := cdap.NewOKResponse(req)
	empty := rib.Struct(map[string]rib.Value{})
	resp.ObjValue = &empty
	return resp
}

func (b *Bootstrap) handleEnrollmentRequest(req cdap.Message, p pdu.PDU, srcSocket *net.UDPAddr) cdap.Message {
	if req.ObjValue == nil {
		reason := "missing enrollment request payload"
		return cdap.NewErrorResponse(req, -1, reason)
	}
	raw, _ := req.ObjValue.AsBytes()
	enrollReq, err := decodeRequest(raw)
	if err != nil {
		return cdap.NewErrorResponse(req, -1, err.Error())
	}

	obj, ok := b.rib.Read("/dif/name")
	difName, isStr := obj.Value.AsString()
	if !ok || !isStr || difName == "" {
		return b.rejectResponse(req, "bootstrap has no /dif/name configured")
	}

	var assigned *uint64
	if enrollReq.RequestAddress {
		addr, err := b.pool.Allocate()
		if err != nil {
			return b.rejectResponse(req, fmt.Sprintf("address assignment failed: %v", err))
		}
		assigned = &addr
	}

	snapshot := b.rib.Serialize()

	resp := Response{
		Accepted:        true,
		AssignedAddress: assigned,
		DIFName:         difName,
		RIBSnapshot:     snapshot,
	}
	response := cdap.NewOKResponse(req)
	value := rib.BytesValue(encodeResponse(resp))
	response.ObjValue = &value
	response.ObjClass = req.ObjClass

	memberAddr := p.SrcAddr
	if assigned != nil {
		memberAddr = *assigned
	}
	if memberAddr != 0 {
		b.shim.RegisterPeer(memberAddr, srcSocket)
		b.RegisterDynamicRoute(memberAddr, srcSocket.String())
		b.logger.WithField("member_addr", memberAddr).Debug("enrollment accepted, registered dynamic route")
	}

	return response
}

func (b *Bootstrap) rejectResponse(req cdap.Message, reason string) cdap.Message {
	resp := cdap.NewOKResponse(req)
	resp.ObjClass = req.ObjClass
	errStr := reason
	v := rib.BytesValue(encodeResponse(Response{Accepted: false, Error: &errStr}))
	resp.ObjValue = &v
	return resp
}

// RegisterDynamicRoute idempotently installs a dynamic route to a newly
// enrolled (or re-enrolled) member, pointed at its observed socket
// address, either through the Route Resolver or — when none is wired —
// directly as a RIB route object.
func (b *Bootstrap) RegisterDynamicRoute(memberAddr uint64, observedSocket string) {
	if b.resolver != nil {
		b.resolver.AddDynamicRoute(memberAddr, observedSocket, 0)
		return
	}
	name := fmt.Sprintf("/routing/dynamic/%d", memberAddr)
	route := rib.Struct(map[string]rib.Value{
		"next_hop_address": rib.String(observedSocket),
	})
	if _, err := b.rib.Create(name, "route", route); err != nil {
		_, _ = b.rib.Update(name, route)
	}
}
