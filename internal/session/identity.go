package session

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/relaycopy/internal/messenger"
	"github.com/kiranshivaraju/relaycopy/pkg/models"
)

// Identity is one owner's credential set on the messaging network.
type Identity struct {
	OwnerID uuid.UUID
	Phone   string
	AppID   int
	AppHash string
}

// Key derives the identity key. It is stable for a given owner and credential
// set and safe to use as a file name.
func (id Identity) Key() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s:%s", id.AppID, id.AppHash, id.Phone)))
	return id.OwnerID.String() + "_" + hex.EncodeToString(sum[:6])
}

func (id Identity) credentials(blob []byte) messenger.Credentials {
	return messenger.Credentials{Phone: id.Phone, AppID: id.AppID, AppHash: id.AppHash, Blob: blob}
}

func (id Identity) validate() error {
	switch {
	case id.OwnerID == uuid.Nil:
		return fmt.Errorf("%w: owner id is required", ErrInvalidIdentity)
	case id.Phone == "":
		return fmt.Errorf("%w: phone is required", ErrInvalidIdentity)
	case id.AppID == 0 || id.AppHash == "":
		return fmt.Errorf("%w: app id and app hash are required", ErrInvalidIdentity)
	}
	return nil
}

// IdentityFromSession rebuilds the identity a session row was created for.
func IdentityFromSession(s *models.Session) Identity {
	return Identity{OwnerID: s.OwnerID, Phone: s.Phone, AppID: s.AppID, AppHash: s.AppHash}
}
