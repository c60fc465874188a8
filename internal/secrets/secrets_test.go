package secrets

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formsink/formsink/internal/domain"
)

const testMasterKey = "test-master-key-please-rotate"

func TestEncryptDecrypt_Roundtrip(t *testing.T) {
	tests := []string{
		"smtp-password",
		"",
		"unicode: пароль 密码",
		"long: " + string(make([]byte, 4096)),
	}

	for _, plaintext := range tests {
		sealed, err := Encrypt(plaintext, testMasterKey)
		require.NoError(t, err)

		got, err := Decrypt(sealed, testMasterKey)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncrypt_NonDeterministic(t *testing.T) {
	a, err := Encrypt("secret", testMasterKey)
	require.NoError(t, err)
	b, err := Encrypt("secret", testMasterKey)
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "fresh nonce per envelope")
}

func TestDecrypt_WrongKey(t *testing.T) {
	sealed, err := Encrypt("secret", testMasterKey)
	require.NoError(t, err)

	_, err = Decrypt(sealed, "some-other-key")
	require.Error(t, err)

	var decErr *DecryptError
	assert.ErrorAs(t, err, &decErr)
}

func TestDecrypt_Truncated(t *testing.T) {
	_, err := Decrypt([]byte{0x01, 0x02}, testMasterKey)
	require.Error(t, err)

	var decErr *DecryptError
	assert.ErrorAs(t, err, &decErr)
}

func TestDecrypt_TamperedCiphertext(t *testing.T) {
	sealed, err := Encrypt("secret", testMasterKey)
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = Decrypt(sealed, testMasterKey)
	var decErr *DecryptError
	assert.ErrorAs(t, err, &decErr)
}

type mockStore struct {
	configs map[uuid.UUID]*domain.TenantSMTP
}

func (m *mockStore) GetTenantSMTP(_ context.Context, tenantID uuid.UUID) (*domain.TenantSMTP, error) {
	cfg, ok := m.configs[tenantID]
	if !ok {
		return nil, ErrSMTPNotConfigured
	}
	return cfg, nil
}

func TestResolver_SMTP(t *testing.T) {
	tenantID := uuid.Must(uuid.NewV7())

	userEnc, err := Encrypt("mailer@acme.test", testMasterKey)
	require.NoError(t, err)
	passEnc, err := Encrypt("hunter2", testMasterKey)
	require.NoError(t, err)

	store := &mockStore{configs: map[uuid.UUID]*domain.TenantSMTP{
		tenantID: {
			TenantID:    tenantID,
			Host:        "smtp.acme.test",
			Port:        587,
			UsernameEnc: userEnc,
			PasswordEnc: passEnc,
			FromAddress: "noreply@acme.test",
			FromName:    "Acme Forms",
			TLSMode:     "starttls",
		},
	}}

	r := NewResolver(store, testMasterKey)
	creds, err := r.SMTP(context.Background(), tenantID)
	require.NoError(t, err)

	assert.Equal(t, "smtp.acme.test", creds.Host)
	assert.Equal(t, 587, creds.Port)
	assert.Equal(t, "mailer@acme.test", creds.Username)
	assert.Equal(t, "hunter2", creds.Password)
	assert.Equal(t, "Acme Forms <noreply@acme.test>", creds.FromHeader())
}

func TestResolver_SMTP_NotConfigured(t *testing.T) {
	r := NewResolver(&mockStore{configs: map[uuid.UUID]*domain.TenantSMTP{}}, testMasterKey)

	_, err := r.SMTP(context.Background(), uuid.Must(uuid.NewV7()))
	assert.ErrorIs(t, err, ErrSMTPNotConfigured)
}

func TestResolver_SMTP_KeyMismatch(t *testing.T) {
	tenantID := uuid.Must(uuid.NewV7())

	userEnc, err := Encrypt("user", "deployment-key-a")
	require.NoError(t, err)
	passEnc, err := Encrypt("pass", "deployment-key-a")
	require.NoError(t, err)

	store := &mockStore{configs: map[uuid.UUID]*domain.TenantSMTP{
		tenantID: {TenantID: tenantID, UsernameEnc: userEnc, PasswordEnc: passEnc},
	}}

	r := NewResolver(store, "deployment-key-b")
	_, err = r.SMTP(context.Background(), tenantID)

	var decErr *DecryptError
	assert.ErrorAs(t, err, &decErr)
}

func TestSMTPCredentials_FromHeader(t *testing.T) {
	withName := &SMTPCredentials{FromAddress: "a@b.c", FromName: "A B"}
	assert.Equal(t, "A B <a@b.c>", withName.FromHeader())

	bare := &SMTPCredentials{FromAddress: "a@b.c"}
	assert.Equal(t, "a@b.c", bare.FromHeader())
}
