package interfaces

// ViewKey is a zone key for one view, as owned by the item sync engine.
type ViewKey struct {
	View  string `json:"view"`
	KeyID string `json:"key_id"`
	Key   []byte `json:"key"`
}

// PolicyUpdate is what the key-share consumer learns whenever the local
// peer's effective policy or trust role changes.
type PolicyUpdate struct {
	Version            PolicyVersion `json:"version"`
	IsInheritedAccount bool          `json:"is_inherited_account"`
	AllowedViews       []string      `json:"allowed_views"`
}

// KeyShareConsumer is the narrow interface to the item synchronization
// engine. It decides on its own which records to encrypt to which peers.
type KeyShareConsumer interface {
	// PolicyChanged is called after every change in policy or trust role.
	PolicyChanged(update PolicyUpdate)

	// KeySharesReceived hands over view keys shared with the local peer.
	KeySharesReceived(keys []ViewKey)
}

// KeyShareProvider supplies the view keys a sponsor currently holds so they
// can be shared with a newly admitted peer.
type KeyShareProvider interface {
	ViewKeys(views []string) ([]ViewKey, error)
}

// DeviceInfo describes the local hardware at preparation time.
type DeviceInfo struct {
	ModelID      string `json:"model_id"`
	MachineID    string `json:"machine_id"`
	DeviceName   string `json:"device_name"`
	SerialNumber string `json:"serial_number"`
	OSVersion    string `json:"os_version"`
}
