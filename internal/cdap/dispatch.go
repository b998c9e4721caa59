package cdap

import "github.com/arinet/ipcpd/internal/rib"

// Dispatch executes an incoming CDAP request against r and returns the
// response. Start and Stop are reserved op codes: the spec requires
// accepting and responding to them without crashing, with unspecified
// semantics beyond a standardized negative result.
func Dispatch(req Message, r *rib.RIB) Message {
	switch req.OpCode {
	case Create:
		class := ""
		if req.ObjClass != nil {
			class = *req.ObjClass
		}
		var value rib.Value
		if req.ObjValue != nil {
			value = *req.ObjValue
		}
		if _, err := r.Create(req.ObjName, class, value); err != nil {
			return NewErrorResponse(req, -1, err.Error())
		}
		return NewOKResponse(req)

	case Delete:
		if err := r.Delete(req.ObjName); err != nil {
			return NewErrorResponse(req, -1, err.Error())
		}
		return NewOKResponse(req)

	case Read:
		obj, ok := r.Read(req.ObjName)
		if !ok {
			return NewErrorResponse(req, -1, "object not found: "+req.ObjName)
		}
		resp := NewOKResponse(req)
		resp.ObjValue = &obj.Value
		resp.ObjClass = &obj.Class
		return resp

	case Write:
		var value rib.Value
		if req.ObjValue != nil {
			value = *req.ObjValue
		}
		if _, err := r.Update(req.ObjName, value); err != nil {
			return NewErrorResponse(req, -1, err.Error())
		}
		return NewOKResponse(req)

	case Start, Stop:
		return NewErrorResponse(req, ResultNotImplemented, req.OpCode.String()+" is reserved and not implemented")

	default:
		return NewErrorResponse(req, -1, ErrInvalidOpCode.Error())
	}
}

// DispatchSync handles a sync-class CDAP message (ObjName "rib_sync",
// ObjClass "sync") carrying a SyncRequest: it answers with the changes
// since the requester's last known version, or a full snapshot when
// those changes have already scrolled out of the change log.
func DispatchSync(req Message, r *rib.RIB) Message {
	resp := NewOKResponse(req)
	if req.SyncRequest == nil {
		errStr := "missing sync_request"
		resp.SyncResponse = &SyncResponse{CurrentVersion: r.CurrentVersion(), Error: &errStr}
		return resp
	}

	changes, err := r.GetChangesSince(req.SyncRequest.LastKnownVersion)
	if err != nil {
		resp.SyncResponse = &SyncResponse{
			CurrentVersion:    r.CurrentVersion(),
			FullSnapshotBytes: r.Serialize(),
		}
		return resp
	}
	resp.SyncResponse = &SyncResponse{
		CurrentVersion: r.CurrentVersion(),
		Changes:        changes,
	}
	return resp
}
