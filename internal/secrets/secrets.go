// Package secrets handles encryption of tenant credentials at rest and
// their resolution at execution time. Plaintext credentials exist only for
// the duration of a single action execution.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/formsink/formsink/internal/domain"
)

// HKDF parameters. Versioned salt so a future envelope change can rotate
// derivation without touching the master key.
var (
	hkdfSalt = []byte("formsink-v1")
	hkdfInfo = []byte("aes256gcm-key")
)

const nonceSize = 12

// ErrSMTPNotConfigured is returned when a tenant has no stored SMTP
// configuration. Email actions surface this as a stable permanent error.
var ErrSMTPNotConfigured = errors.New("tenant smtp not configured")

// DecryptError reports a decryption failure, typically a master key
// mismatch. Callers treat it as an infrastructure fault.
type DecryptError struct {
	Err error
}

func (e *DecryptError) Error() string { return fmt.Sprintf("decrypt secret: %v", e.Err) }

func (e *DecryptError) Unwrap() error { return e.Err }

// deriveKey derives the AES-256 key from master key material via
// HKDF-SHA256. The master key is never used directly as a cipher key.
func deriveKey(master string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(master), hkdfSalt, hkdfInfo)
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext with AES-256-GCM. The 12-byte nonce is prepended
// to the ciphertext.
func Encrypt(plaintext, master string) ([]byte, error) {
	key, err := deriveKey(master)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens a nonce-prefixed AES-256-GCM envelope.
func Decrypt(data []byte, master string) (string, error) {
	if len(data) < nonceSize {
		return "", &DecryptError{Err: errors.New("ciphertext too short")}
	}
	key, err := deriveKey(master)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	plaintext, err := aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", &DecryptError{Err: err}
	}
	return string(plaintext), nil
}

// SMTPCredentials is a decrypted credential bundle scoped to one execution.
type SMTPCredentials struct {
	Host        string
	Port        int
	Username    string
	Password    string
	FromAddress string
	FromName    string
	TLSMode     string
}

// FromHeader formats the From header value.
func (c *SMTPCredentials) FromHeader() string {
	if c.FromName != "" {
		return fmt.Sprintf("%s <%s>", c.FromName, c.FromAddress)
	}
	return c.FromAddress
}

// Store loads stored tenant SMTP configuration. Implementations return
// ErrSMTPNotConfigured when no row exists.
type Store interface {
	GetTenantSMTP(ctx context.Context, tenantID uuid.UUID) (*domain.TenantSMTP, error)
}

// Resolver decrypts tenant secrets on demand. The tenant id must come from
// the submission's ownership chain; the resolver never accepts identifiers
// from tenant-supplied configuration.
type Resolver struct {
	store  Store
	master string
}

// NewResolver creates a Resolver bound to the deployment's master key.
func NewResolver(store Store, masterKey string) *Resolver {
	return &Resolver{store: store, master: masterKey}
}

// SMTP resolves and decrypts the tenant's SMTP credentials.
func (r *Resolver) SMTP(ctx context.Context, tenantID uuid.UUID) (*SMTPCredentials, error) {
	cfg, err := r.store.GetTenantSMTP(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	username, err := Decrypt(cfg.UsernameEnc, r.master)
	if err != nil {
		return nil, err
	}
	password, err := Decrypt(cfg.PasswordEnc, r.master)
	if err != nil {
		return nil, err
	}
	return &SMTPCredentials{
		Host:        cfg.Host,
		Port:        cfg.Port,
		Username:    username,
		Password:    password,
		FromAddress: cfg.FromAddress,
		FromName:    cfg.FromName,
		TLSMode:     cfg.TLSMode,
	}, nil
}
