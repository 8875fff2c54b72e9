package peer

import (
	"fmt"

	"github.com/ruteri/octagon-trust/codec"
	"github.com/ruteri/octagon-trust/cryptoutils"
	"github.com/ruteri/octagon-trust/interfaces"
)

// KeyShare is a view key sealed from one peer to another.
type KeyShare struct {
	View       string            `json:"view" cbor:"1,keyasint"`
	KeyID      string            `json:"key_id" cbor:"2,keyasint"`
	Sender     interfaces.PeerID `json:"sender" cbor:"3,keyasint"`
	Receiver   interfaces.PeerID `json:"receiver" cbor:"4,keyasint"`
	Ciphertext []byte            `json:"ciphertext" cbor:"5,keyasint"`
	Sig        []byte            `json:"sig,omitempty" cbor:"6,keyasint,omitempty"`
}

func (ks KeyShare) signedData() []byte {
	unsigned := ks
	unsigned.Sig = nil
	return codec.MustMarshal(unsigned)
}

func (ks KeyShare) sealContext() []byte {
	return []byte(ks.View + "/" + ks.KeyID + "/" + string(ks.Receiver))
}

// SealKeyShare encrypts a view key to the receiver and signs the share.
func SealKeyShare(sender *Keys, receiver *PermanentInfo, key interfaces.ViewKey) (KeyShare, error) {
	ks := KeyShare{
		View:     key.View,
		KeyID:    key.KeyID,
		Sender:   sender.PeerID(),
		Receiver: receiver.PeerID,
	}

	ciphertext, err := cryptoutils.SealToPublicKey(receiver.EncryptionPublicKey, key.Key, ks.sealContext())
	if err != nil {
		return KeyShare{}, fmt.Errorf("could not seal %s key for %s: %w", key.View, receiver.PeerID.Short(), err)
	}
	ks.Ciphertext = ciphertext

	ks.Sig, err = cryptoutils.Sign(sender.Signing, domainKeyShare, ks.signedData())
	if err != nil {
		return KeyShare{}, err
	}
	return ks, nil
}

// Open verifies the sender's signature and decrypts the share.
func (ks KeyShare) Open(receiver *Keys, senderSigningKey []byte) (interfaces.ViewKey, error) {
	if !cryptoutils.Verify(senderSigningKey, domainKeyShare, ks.signedData(), ks.Sig) {
		return interfaces.ViewKey{}, interfaces.NewError(interfaces.CodeInvalidSignature, "key share %s from %s", ks.View, ks.Sender.Short())
	}

	key, err := cryptoutils.OpenWithPrivateKey(receiver.Encryption, ks.Ciphertext, ks.sealContext())
	if err != nil {
		return interfaces.ViewKey{}, err
	}
	return interfaces.ViewKey{View: ks.View, KeyID: ks.KeyID, Key: key}, nil
}
