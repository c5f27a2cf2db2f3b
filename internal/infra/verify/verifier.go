// Package verify checks downloaded tool packages: sha256 always, OpenPGP
// detached signatures when a keyring is configured.
package verify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
)

var ErrNoKeyring = errors.New("no OpenPGP keys loaded")

const maxSignatureSize = 10 * 1024

// Verifier implements toolpkg.Verifier.
type Verifier struct {
	keyring    openpgp.EntityList
	httpClient *http.Client
}

func New() *Verifier {
	return &Verifier{httpClient: &http.Client{Timeout: 30 * time.Second}}
}

// LoadKeyring reads armored or binary public keys from a file.
func (v *Verifier) LoadKeyring(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open key file: %w", err)
	}
	defer f.Close()

	entities, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		if _, serr := f.Seek(0, io.SeekStart); serr != nil {
			return fmt.Errorf("failed to reset file: %w", serr)
		}
		entities, err = openpgp.ReadKeyRing(f)
		if err != nil {
			return fmt.Errorf("failed to read key: %w", err)
		}
	}
	if len(entities) == 0 {
		return fmt.Errorf("no keys found in %s", path)
	}
	v.keyring = append(v.keyring, entities...)
	return nil
}

func (v *Verifier) KeyCount() int { return len(v.keyring) }

func (v *Verifier) VerifyChecksum(_ context.Context, path, want string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to hash file: %w", err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, strings.TrimSpace(want)) {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", want, got)
	}
	return nil
}

// VerifySignature downloads a detached signature and checks path against
// the keyring.
func (v *Verifier) VerifySignature(ctx context.Context, path, signatureURL string) error {
	if len(v.keyring) == 0 {
		return ErrNoKeyring
	}
	sig, err := v.fetchSignature(ctx, signatureURL)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if bytes.HasPrefix(bytes.TrimSpace(sig), []byte("-----BEGIN PGP SIGNATURE")) {
		_, err = openpgp.CheckArmoredDetachedSignature(v.keyring, f, bytes.NewReader(sig), nil)
	} else {
		_, err = openpgp.CheckDetachedSignature(v.keyring, f, bytes.NewReader(sig), nil)
	}
	if err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

func (v *Verifier) fetchSignature(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create signature request: %w", err)
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download signature: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signature download failed with status %d", resp.StatusCode)
	}
	sig, err := io.ReadAll(io.LimitReader(resp.Body, maxSignatureSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read signature: %w", err)
	}
	if len(sig) < 10 {
		return nil, errors.New("signature too small to be valid")
	}
	return sig, nil
}
