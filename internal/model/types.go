package model

// EventKind classifies a mutation to a journal record.
type EventKind string

const (
	EventCreate EventKind = "CREATE"
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
)

// Event is one immutable mutation to a logical record. The hash is the
// event's identity: equal hashes mean equal events.
type Event struct {
	ID        string    `json:"id"`
	Kind      EventKind `json:"kind"`
	RecordID  string    `json:"recordId"`
	Content   string    `json:"content,omitempty"`
	Timestamp int64     `json:"timestamp"`
	Hash      string    `json:"hash"`
}

// Peer is a discovered, currently reachable device. Entries are ephemeral
// and evicted once lastSeen falls behind the peer timeout.
type Peer struct {
	DeviceID         string `json:"deviceId"`
	DeviceName       string `json:"deviceName"`
	Address          string `json:"address"`
	Port             int    `json:"port"`
	URL              string `json:"url"`
	SignPublicKey    string `json:"signPublicKey"`
	EncryptPublicKey string `json:"encryptPublicKey"`
	LastSeen         int64  `json:"lastSeen"`
}

// TrustedPeer is a durably paired device. It grants sync eligibility to a
// device owned by a different user.
type TrustedPeer struct {
	DeviceID         string `json:"deviceId"`
	UserID           string `json:"userId"`
	DeviceName       string `json:"deviceName"`
	SignPublicKey    string `json:"signPublicKey"`
	EncryptPublicKey string `json:"encryptPublicKey"`
	PairedAt         int64  `json:"pairedAt"`
	LastSeen         int64  `json:"lastSeen"`
}

// PairingInvitation is an advertised, time-boxed pairing offer received from
// another device while this device is in pairing mode.
type PairingInvitation struct {
	DeviceID         string `json:"deviceId"`
	DeviceName       string `json:"deviceName"`
	Address          string `json:"address"`
	Port             int    `json:"port"`
	URL              string `json:"url"`
	SignPublicKey    string `json:"signPublicKey"`
	EncryptPublicKey string `json:"encryptPublicKey"`
	Code             string `json:"code"`
	ValidUntil       int64  `json:"validUntil"`
}

const (
	PacketTypeDiscovery         = "discovery"
	PacketTypePairingInvitation = "pairing_invitation"
)

// DiscoveryPayload is the signed portion of a UDP broadcast packet.
type DiscoveryPayload struct {
	Type             string `json:"type"`
	DeviceID         string `json:"deviceId"`
	DeviceName       string `json:"deviceName"`
	HTTPPort         int    `json:"httpPort"`
	Timestamp        int64  `json:"timestamp"`
	SignPublicKey    string `json:"signPublicKey"`
	EncryptPublicKey string `json:"encryptPublicKey"`
	PairingCode      string `json:"pairingCode,omitempty"`
	ValidUntil       int64  `json:"validUntil,omitempty"`
}

// DiscoveryPacket is the on-wire UDP datagram: the payload plus an Ed25519
// signature over its JSON encoding.
type DiscoveryPacket struct {
	Payload   DiscoveryPayload `json:"payload"`
	Signature string           `json:"signature"`
}

// AuthResponse is the decoded X-Auth-Response header: a one-time challenge,
// the Ed25519 signature over its raw bytes, and the signer's public key.
type AuthResponse struct {
	Challenge     string `json:"challenge"`
	Signature     string `json:"signature"`
	SignPublicKey string `json:"signPublicKey"`
}

// ChallengeResponse is the plaintext body of GET /sync/challenge.
type ChallengeResponse struct {
	Challenge        string `json:"challenge"`
	ServerEncryptKey string `json:"serverEncryptKey"`
}

// InventoryBody is the decrypted body of GET /sync/inventory.
type InventoryBody struct {
	Hashes []string `json:"hashes"`
}

// EventsBody is the decrypted body of GET /sync/pull responses and
// POST /sync/push requests.
type EventsBody struct {
	Events []Event `json:"events"`
}

// PushResult is the decrypted body of POST /sync/push responses.
type PushResult struct {
	Added int `json:"added"`
}

// PairRequest is the decrypted body of POST /sync/pair: the caller's device
// identity plus the pairing code read from this device's invitation.
type PairRequest struct {
	Code             string `json:"code"`
	DeviceID         string `json:"deviceId"`
	DeviceName       string `json:"deviceName"`
	SignPublicKey    string `json:"signPublicKey"`
	EncryptPublicKey string `json:"encryptPublicKey"`
}

// PairResponse is the decrypted body of a successful POST /sync/pair: the
// responder's identity, which the caller persists as its own TrustedPeer
// record.
type PairResponse struct {
	DeviceID         string `json:"deviceId"`
	DeviceName       string `json:"deviceName"`
	UserID           string `json:"userId"`
	SignPublicKey    string `json:"signPublicKey"`
	EncryptPublicKey string `json:"encryptPublicKey"`
}
