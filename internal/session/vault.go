package session

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"filippo.io/age"
)

// Vault stores credential blobs on disk, one file per identity key. Files are
// age-encrypted when an identity is configured.
type Vault struct {
	dir      string
	identity *age.X25519Identity
}

// NewVault creates dir if needed. An empty ageIdentity stores plaintext files.
func NewVault(dir, ageIdentity string) (*Vault, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	v := &Vault{dir: dir}
	if ageIdentity == "" {
		slog.Warn("SESSION_AGE_IDENTITY not set, credential files are stored unencrypted", "dir", dir)
		return v, nil
	}
	id, err := age.ParseX25519Identity(ageIdentity)
	if err != nil {
		return nil, fmt.Errorf("parse age identity: %w", err)
	}
	v.identity = id
	return v, nil
}

func (v *Vault) path(identityKey string) string {
	return filepath.Join(v.dir, identityKey+".session")
}

// Write replaces the credential file for identityKey.
func (v *Vault) Write(identityKey string, blob []byte) error {
	data := blob
	if v.identity != nil {
		var buf bytes.Buffer
		w, err := age.Encrypt(&buf, v.identity.Recipient())
		if err != nil {
			return fmt.Errorf("encrypt credentials: %w", err)
		}
		if _, err := w.Write(blob); err != nil {
			return fmt.Errorf("encrypt credentials: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("encrypt credentials: %w", err)
		}
		data = buf.Bytes()
	}

	tmp, err := os.CreateTemp(v.dir, ".session-*")
	if err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	if err := os.Rename(tmp.Name(), v.path(identityKey)); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// Read returns the stored blob, or nil if there is no file.
func (v *Vault) Read(identityKey string) ([]byte, error) {
	data, err := os.ReadFile(v.path(identityKey))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	if v.identity == nil {
		return data, nil
	}
	r, err := age.Decrypt(bytes.NewReader(data), v.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}
	blob, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}
	return blob, nil
}

// Remove deletes the credential file. A missing file is not an error.
func (v *Vault) Remove(identityKey string) error {
	err := os.Remove(v.path(identityKey))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}
