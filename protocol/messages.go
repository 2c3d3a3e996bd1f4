package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind is the envelope field number of a message.
type Kind int32

const (
	KindRegisterPeer         Kind = 6
	KindRegisterPeerResponse Kind = 7
	KindPunchHoleRequest     Kind = 8
	KindPunchHole            Kind = 9
	KindPunchHoleSent        Kind = 10
	KindPunchHoleResponse    Kind = 11
	KindConfigUpdate         Kind = 14
	KindRegisterPk           Kind = 15
	KindRegisterPkResponse   Kind = 16
	KindSoftwareUpdate       Kind = 17
	KindRequestRelay         Kind = 18
	KindRelayResponse        Kind = 19
	KindTestNatRequest       Kind = 20
	KindTestNatResponse      Kind = 21
	KindOnlineRequest        Kind = 23
	KindOnlineResponse       Kind = 24
	KindHealthCheck          Kind = 26
)

var kindNames = map[Kind]string{
	KindRegisterPeer:         "register_peer",
	KindRegisterPeerResponse: "register_peer_response",
	KindPunchHoleRequest:     "punch_hole_request",
	KindPunchHole:            "punch_hole",
	KindPunchHoleSent:        "punch_hole_sent",
	KindPunchHoleResponse:    "punch_hole_response",
	KindConfigUpdate:         "configure_update",
	KindRegisterPk:           "register_pk",
	KindRegisterPkResponse:   "register_pk_response",
	KindSoftwareUpdate:       "software_update",
	KindRequestRelay:         "request_relay",
	KindRelayResponse:        "relay_response",
	KindTestNatRequest:       "test_nat_request",
	KindTestNatResponse:      "test_nat_response",
	KindOnlineRequest:        "online_request",
	KindOnlineResponse:       "online_response",
	KindHealthCheck:          "hc",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind_%d", int32(k))
}

func newMessage(k Kind) Message {
	switch k {
	case KindRegisterPeer:
		return &RegisterPeer{}
	case KindRegisterPeerResponse:
		return &RegisterPeerResponse{}
	case KindPunchHoleRequest:
		return &PunchHoleRequest{}
	case KindPunchHole:
		return &PunchHole{}
	case KindPunchHoleSent:
		return &PunchHoleSent{}
	case KindPunchHoleResponse:
		return &PunchHoleResponse{}
	case KindConfigUpdate:
		return &ConfigUpdate{}
	case KindRegisterPk:
		return &RegisterPk{}
	case KindRegisterPkResponse:
		return &RegisterPkResponse{}
	case KindSoftwareUpdate:
		return &SoftwareUpdate{}
	case KindRequestRelay:
		return &RequestRelay{}
	case KindRelayResponse:
		return &RelayResponse{}
	case KindTestNatRequest:
		return &TestNatRequest{}
	case KindTestNatResponse:
		return &TestNatResponse{}
	case KindOnlineRequest:
		return &OnlineRequest{}
	case KindOnlineResponse:
		return &OnlineResponse{}
	case KindHealthCheck:
		return &HealthCheck{}
	default:
		return nil
	}
}

// NatType is the client's self-reported NAT behaviour.
type NatType int32

const (
	NatUnknown    NatType = 0
	NatAsymmetric NatType = 1
	NatSymmetric  NatType = 2
)

// RegisterPkResult is the outcome of a public key registration or rename.
type RegisterPkResult int32

const (
	ResultOK              RegisterPkResult = 0
	ResultUUIDMismatch    RegisterPkResult = 2
	ResultIDExists        RegisterPkResult = 3
	ResultTooFrequent     RegisterPkResult = 4
	ResultInvalidIDFormat RegisterPkResult = 5
	ResultNotSupport      RegisterPkResult = 6
	ResultServerError     RegisterPkResult = 7
	ResultNotExist        RegisterPkResult = 8
)

func (r RegisterPkResult) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultUUIDMismatch:
		return "UUID_MISMATCH"
	case ResultIDExists:
		return "ID_EXISTS"
	case ResultTooFrequent:
		return "TOO_FREQUENT"
	case ResultInvalidIDFormat:
		return "INVALID_ID_FORMAT"
	case ResultNotSupport:
		return "NOT_SUPPORT"
	case ResultServerError:
		return "SERVER_ERROR"
	case ResultNotExist:
		return "NOT_EXIST"
	default:
		return fmt.Sprintf("RESULT_%d", int32(r))
	}
}

// PunchFailure explains why a punch-hole request could not be served. The zero
// value means no failure.
type PunchFailure int32

const (
	FailureNone            PunchFailure = 0
	FailureIDNotExist      PunchFailure = 1
	FailureOffline         PunchFailure = 2
	FailureLicenseMismatch PunchFailure = 3
	FailureLicenseOveruse  PunchFailure = 4
)

func (f PunchFailure) String() string {
	switch f {
	case FailureNone:
		return "none"
	case FailureIDNotExist:
		return "not_exist"
	case FailureOffline:
		return "offline"
	case FailureLicenseMismatch:
		return "license_mismatch"
	case FailureLicenseOveruse:
		return "license_overuse"
	default:
		return fmt.Sprintf("failure_%d", int32(f))
	}
}

// RegisterPeer is the legacy registration, sent periodically over UDP as a
// heartbeat.
type RegisterPeer struct {
	ID     string
	Serial int32
}

func (*RegisterPeer) Kind() Kind { return KindRegisterPeer }

func (m *RegisterPeer) appendFields(b []byte) []byte {
	b = appendString(b, 1, m.ID)
	return appendInt32(b, 2, m.Serial)
}

func (m *RegisterPeer) decodeFields(b []byte) error {
	return walkFields(b, func(num protowire.Number, v field) error {
		switch num {
		case 1:
			m.ID = v.asString()
		case 2:
			m.Serial = v.asInt32()
		}
		return nil
	})
}

// RegisterPeerResponse tells the peer whether it must (re)send its public key.
type RegisterPeerResponse struct {
	RequestPk bool
}

func (*RegisterPeerResponse) Kind() Kind { return KindRegisterPeerResponse }

func (m *RegisterPeerResponse) appendFields(b []byte) []byte {
	return appendBool(b, 2, m.RequestPk)
}

func (m *RegisterPeerResponse) decodeFields(b []byte) error {
	return walkFields(b, func(num protowire.Number, v field) error {
		if num == 2 {
			m.RequestPk = v.asBool()
		}
		return nil
	})
}

// PunchHoleRequest asks the server to coordinate a connection to ID.
type PunchHoleRequest struct {
	ID         string
	NatType    NatType
	LicenceKey string
	ConnType   int32
	Token      string
	Version    string
}

func (*PunchHoleRequest) Kind() Kind { return KindPunchHoleRequest }

func (m *PunchHoleRequest) appendFields(b []byte) []byte {
	b = appendString(b, 1, m.ID)
	b = appendInt32(b, 2, int32(m.NatType))
	b = appendString(b, 3, m.LicenceKey)
	b = appendInt32(b, 4, m.ConnType)
	b = appendString(b, 5, m.Token)
	return appendString(b, 6, m.Version)
}

func (m *PunchHoleRequest) decodeFields(b []byte) error {
	return walkFields(b, func(num protowire.Number, v field) error {
		switch num {
		case 1:
			m.ID = v.asString()
		case 2:
			m.NatType = NatType(v.asInt32())
		case 3:
			m.LicenceKey = v.asString()
		case 4:
			m.ConnType = v.asInt32()
		case 5:
			m.Token = v.asString()
		case 6:
			m.Version = v.asString()
		}
		return nil
	})
}

// PunchHole is delivered to the target peer: it names the requester's
// observed address and the relay to fall back on.
type PunchHole struct {
	SocketAddr  []byte
	RelayServer string
	NatType     NatType
	ForceRelay  bool
	IsLocal     bool
	Signed      []byte
}

func (*PunchHole) Kind() Kind { return KindPunchHole }

func (m *PunchHole) appendFields(b []byte) []byte {
	b = appendBytes(b, 1, m.SocketAddr)
	b = appendString(b, 2, m.RelayServer)
	b = appendInt32(b, 3, int32(m.NatType))
	b = appendBool(b, 5, m.ForceRelay)
	b = appendBool(b, 7, m.IsLocal)
	return appendBytes(b, 8, m.Signed)
}

func (m *PunchHole) decodeFields(b []byte) error {
	return walkFields(b, func(num protowire.Number, v field) error {
		switch num {
		case 1:
			m.SocketAddr = v.asBytes()
		case 2:
			m.RelayServer = v.asString()
		case 3:
			m.NatType = NatType(v.asInt32())
		case 5:
			m.ForceRelay = v.asBool()
		case 7:
			m.IsLocal = v.asBool()
		case 8:
			m.Signed = v.asBytes()
		}
		return nil
	})
}

// PunchHoleSent is the target's acknowledgement; SocketAddr echoes the
// requester address from the PunchHole it received.
type PunchHoleSent struct {
	SocketAddr  []byte
	ID          string
	RelayServer string
	NatType     NatType
	Version     string
}

func (*PunchHoleSent) Kind() Kind { return KindPunchHoleSent }

func (m *PunchHoleSent) appendFields(b []byte) []byte {
	b = appendBytes(b, 1, m.SocketAddr)
	b = appendString(b, 2, m.ID)
	b = appendString(b, 3, m.RelayServer)
	b = appendInt32(b, 4, int32(m.NatType))
	return appendString(b, 5, m.Version)
}

func (m *PunchHoleSent) decodeFields(b []byte) error {
	return walkFields(b, func(num protowire.Number, v field) error {
		switch num {
		case 1:
			m.SocketAddr = v.asBytes()
		case 2:
			m.ID = v.asString()
		case 3:
			m.RelayServer = v.asString()
		case 4:
			m.NatType = NatType(v.asInt32())
		case 5:
			m.Version = v.asString()
		}
		return nil
	})
}

// PunchHoleResponse answers the requester with the target's address and the
// server-signed route, or a failure.
type PunchHoleResponse struct {
	SocketAddr   []byte
	Pk           []byte
	Failure      PunchFailure
	RelayServer  string
	NatType      NatType
	IsLocal      bool
	OtherFailure string
}

func (*PunchHoleResponse) Kind() Kind { return KindPunchHoleResponse }

func (m *PunchHoleResponse) appendFields(b []byte) []byte {
	b = appendBytes(b, 1, m.SocketAddr)
	b = appendBytes(b, 2, m.Pk)
	b = appendInt32(b, 3, int32(m.Failure))
	b = appendString(b, 4, m.RelayServer)
	b = appendInt32(b, 5, int32(m.NatType))
	b = appendBool(b, 6, m.IsLocal)
	return appendString(b, 7, m.OtherFailure)
}

func (m *PunchHoleResponse) decodeFields(b []byte) error {
	return walkFields(b, func(num protowire.Number, v field) error {
		switch num {
		case 1:
			m.SocketAddr = v.asBytes()
		case 2:
			m.Pk = v.asBytes()
		case 3:
			m.Failure = PunchFailure(v.asInt32())
		case 4:
			m.RelayServer = v.asString()
		case 5:
			m.NatType = NatType(v.asInt32())
		case 6:
			m.IsLocal = v.asBool()
		case 7:
			m.OtherFailure = v.asString()
		}
		return nil
	})
}

// ConfigUpdate pushes the server serial and rendezvous server list.
type ConfigUpdate struct {
	Serial            int32
	RendezvousServers []string
}

func (*ConfigUpdate) Kind() Kind { return KindConfigUpdate }

func (m *ConfigUpdate) appendFields(b []byte) []byte {
	b = appendInt32(b, 1, m.Serial)
	for _, server := range m.RendezvousServers {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, server)
	}
	return b
}

func (m *ConfigUpdate) decodeFields(b []byte) error {
	return walkFields(b, func(num protowire.Number, v field) error {
		switch num {
		case 1:
			m.Serial = v.asInt32()
		case 2:
			m.RendezvousServers = append(m.RendezvousServers, v.asString())
		}
		return nil
	})
}

// RegisterPk registers a public key for ID. A non-empty OldID different from
// ID requests a rename.
type RegisterPk struct {
	ID    string
	UUID  []byte
	Pk    []byte
	OldID string
}

func (*RegisterPk) Kind() Kind { return KindRegisterPk }

func (m *RegisterPk) appendFields(b []byte) []byte {
	b = appendString(b, 1, m.ID)
	b = appendBytes(b, 2, m.UUID)
	b = appendBytes(b, 3, m.Pk)
	return appendString(b, 4, m.OldID)
}

func (m *RegisterPk) decodeFields(b []byte) error {
	return walkFields(b, func(num protowire.Number, v field) error {
		switch num {
		case 1:
			m.ID = v.asString()
		case 2:
			m.UUID = v.asBytes()
		case 3:
			m.Pk = v.asBytes()
		case 4:
			m.OldID = v.asString()
		}
		return nil
	})
}

// IsRename reports whether the request carries a distinct old id.
func (m *RegisterPk) IsRename() bool {
	return m.OldID != "" && m.OldID != m.ID
}

// RegisterPkResponse carries the registration result.
type RegisterPkResponse struct {
	Result    RegisterPkResult
	KeepAlive int32
}

func (*RegisterPkResponse) Kind() Kind { return KindRegisterPkResponse }

func (m *RegisterPkResponse) appendFields(b []byte) []byte {
	b = appendInt32(b, 1, int32(m.Result))
	return appendInt32(b, 2, m.KeepAlive)
}

func (m *RegisterPkResponse) decodeFields(b []byte) error {
	return walkFields(b, func(num protowire.Number, v field) error {
		switch num {
		case 1:
			m.Result = RegisterPkResult(v.asInt32())
		case 2:
			m.KeepAlive = v.asInt32()
		}
		return nil
	})
}

// SoftwareUpdate carries the client version inbound and the download URL
// outbound.
type SoftwareUpdate struct {
	URL string
}

func (*SoftwareUpdate) Kind() Kind { return KindSoftwareUpdate }

func (m *SoftwareUpdate) appendFields(b []byte) []byte { return appendString(b, 1, m.URL) }

func (m *SoftwareUpdate) decodeFields(b []byte) error {
	return walkFields(b, func(num protowire.Number, v field) error {
		if num == 1 {
			m.URL = v.asString()
		}
		return nil
	})
}

// RequestRelay asks the server to set up a relayed session with ID. When
// forwarded to the target, SocketAddr carries the requester's address.
type RequestRelay struct {
	ID          string
	UUID        string
	SocketAddr  []byte
	RelayServer string
	Secure      bool
	ConnType    int32
}

func (*RequestRelay) Kind() Kind { return KindRequestRelay }

func (m *RequestRelay) appendFields(b []byte) []byte {
	b = appendString(b, 1, m.ID)
	b = appendString(b, 2, m.UUID)
	b = appendBytes(b, 3, m.SocketAddr)
	b = appendString(b, 4, m.RelayServer)
	b = appendBool(b, 5, m.Secure)
	return appendInt32(b, 7, m.ConnType)
}

func (m *RequestRelay) decodeFields(b []byte) error {
	return walkFields(b, func(num protowire.Number, v field) error {
		switch num {
		case 1:
			m.ID = v.asString()
		case 2:
			m.UUID = v.asString()
		case 3:
			m.SocketAddr = v.asBytes()
		case 4:
			m.RelayServer = v.asString()
		case 5:
			m.Secure = v.asBool()
		case 7:
			m.ConnType = v.asInt32()
		}
		return nil
	})
}

// RelayResponse tells the requester which relay to use for the session.
type RelayResponse struct {
	SocketAddr   []byte
	UUID         string
	RelayServer  string
	ID           string
	Pk           []byte
	RefuseReason string
}

func (*RelayResponse) Kind() Kind { return KindRelayResponse }

func (m *RelayResponse) appendFields(b []byte) []byte {
	b = appendBytes(b, 1, m.SocketAddr)
	b = appendString(b, 2, m.UUID)
	b = appendString(b, 3, m.RelayServer)
	b = appendString(b, 4, m.ID)
	b = appendBytes(b, 5, m.Pk)
	return appendString(b, 6, m.RefuseReason)
}

func (m *RelayResponse) decodeFields(b []byte) error {
	return walkFields(b, func(num protowire.Number, v field) error {
		switch num {
		case 1:
			m.SocketAddr = v.asBytes()
		case 2:
			m.UUID = v.asString()
		case 3:
			m.RelayServer = v.asString()
		case 4:
			m.ID = v.asString()
		case 5:
			m.Pk = v.asBytes()
		case 6:
			m.RefuseReason = v.asString()
		}
		return nil
	})
}

// TestNatRequest asks the server which source port it observed.
type TestNatRequest struct {
	Serial int32
}

func (*TestNatRequest) Kind() Kind { return KindTestNatRequest }

func (m *TestNatRequest) appendFields(b []byte) []byte { return appendInt32(b, 1, m.Serial) }

func (m *TestNatRequest) decodeFields(b []byte) error {
	return walkFields(b, func(num protowire.Number, v field) error {
		if num == 1 {
			m.Serial = v.asInt32()
		}
		return nil
	})
}

// TestNatResponse reports the observed source port.
type TestNatResponse struct {
	Port   int32
	Config *ConfigUpdate
}

func (*TestNatResponse) Kind() Kind { return KindTestNatResponse }

func (m *TestNatResponse) appendFields(b []byte) []byte {
	b = appendInt32(b, 1, m.Port)
	if m.Config != nil {
		b = appendMessage(b, 2, m.Config.appendFields(nil))
	}
	return b
}

func (m *TestNatResponse) decodeFields(b []byte) error {
	return walkFields(b, func(num protowire.Number, v field) error {
		switch num {
		case 1:
			m.Port = v.asInt32()
		case 2:
			cu := &ConfigUpdate{}
			if err := cu.decodeFields(v.bytes); err != nil {
				return err
			}
			m.Config = cu
		}
		return nil
	})
}

// OnlineRequest asks for the online state of Peers.
type OnlineRequest struct {
	ID    string
	Peers []string
}

func (*OnlineRequest) Kind() Kind { return KindOnlineRequest }

func (m *OnlineRequest) appendFields(b []byte) []byte {
	b = appendString(b, 1, m.ID)
	for _, p := range m.Peers {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, p)
	}
	return b
}

func (m *OnlineRequest) decodeFields(b []byte) error {
	return walkFields(b, func(num protowire.Number, v field) error {
		switch num {
		case 1:
			m.ID = v.asString()
		case 2:
			m.Peers = append(m.Peers, v.asString())
		}
		return nil
	})
}

// OnlineResponse is a bitmask, most significant bit first, with one bit per
// requested peer.
type OnlineResponse struct {
	States []byte
}

func (*OnlineResponse) Kind() Kind { return KindOnlineResponse }

func (m *OnlineResponse) appendFields(b []byte) []byte { return appendBytes(b, 1, m.States) }

func (m *OnlineResponse) decodeFields(b []byte) error {
	return walkFields(b, func(num protowire.Number, v field) error {
		if num == 1 {
			m.States = v.asBytes()
		}
		return nil
	})
}

// HealthCheck is the local ping; the server echoes it.
type HealthCheck struct {
	Token string
}

func (*HealthCheck) Kind() Kind { return KindHealthCheck }

func (m *HealthCheck) appendFields(b []byte) []byte { return appendString(b, 1, m.Token) }

func (m *HealthCheck) decodeFields(b []byte) error {
	return walkFields(b, func(num protowire.Number, v field) error {
		if num == 1 {
			m.Token = v.asString()
		}
		return nil
	})
}
