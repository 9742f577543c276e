package auth

// TrustedDirectory answers trust queries for explicitly paired devices.
type TrustedDirectory interface {
	IsTrusted(deviceID string) bool
	IsTrustedKey(signPublicKey string) bool
}

// Authorizer is the single trust policy: a sender is eligible to sync if it
// belongs to the same user, or if it was explicitly paired.
type Authorizer struct {
	userID  string
	trusted TrustedDirectory
}

func NewAuthorizer(userID string, trusted TrustedDirectory) *Authorizer {
	return &Authorizer{userID: userID, trusted: trusted}
}

// IsAuthorized decides eligibility from a sender's derived user id and its
// device id (discovery packets carry both).
func (a *Authorizer) IsAuthorized(senderUserID, senderDeviceID string) bool {
	if senderUserID == a.userID {
		return true
	}
	return senderDeviceID != "" && a.trusted != nil && a.trusted.IsTrusted(senderDeviceID)
}

// IsAuthorizedKey decides eligibility from a sender's derived user id and its
// signing public key (HTTP auth headers carry the key, not the device id).
func (a *Authorizer) IsAuthorizedKey(senderUserID, signPublicKey string) bool {
	if senderUserID == a.userID {
		return true
	}
	return signPublicKey != "" && a.trusted != nil && a.trusted.IsTrustedKey(signPublicKey)
}
