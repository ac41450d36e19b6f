package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"

	"alarm-trader/internal/config"
)

const (
	// EncryptionKeySize is the size of the AES-256 key in bytes.
	EncryptionKeySize = 32
	// SaltSize is the size of the salt for key derivation.
	SaltSize = 16
	// NonceSize is the size of the GCM nonce.
	NonceSize = 12
	// PBKDF2Iterations is the number of iterations for key derivation.
	PBKDF2Iterations = 100000

	// VaultFile is the encrypted credentials file name inside the config directory.
	VaultFile = "credentials.enc"
	// PasswordEnv names the variable holding the vault password.
	PasswordEnv = "ALARM_TRADER_VAULT_PASSWORD"

	vaultVersion = 1
)

// ErrWrongPassword is returned when the vault cannot be decrypted.
var ErrWrongPassword = errors.New("invalid vault password")

// sealedFile is the on-disk vault format.
type sealedFile struct {
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Version    int    `json:"version"`
}

type vaultPayload struct {
	ProviderAPIKeys  []string `json:"provider_api_keys"`
	TelegramBotToken string   `json:"telegram_bot_token,omitempty"`
	TelegramChatID   string   `json:"telegram_chat_id,omitempty"`
}

// Vault stores credentials encrypted with a password-derived key.
type Vault struct {
	path string
}

// NewVault returns the vault kept in configDir.
func NewVault(configDir string) *Vault {
	return &Vault{path: filepath.Join(configDir, VaultFile)}
}

// Path returns the vault file location.
func (v *Vault) Path() string { return v.path }

// Exists reports whether the vault file is present.
func (v *Vault) Exists() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// Seal encrypts creds with password and writes the vault.
func (v *Vault) Seal(password string, creds config.Credentials) error {
	if password == "" {
		return errors.New("vault password must not be empty")
	}

	plaintext, err := json.Marshal(vaultPayload{
		ProviderAPIKeys:  creds.Provider.APIKeys,
		TelegramBotToken: creds.Telegram.BotToken,
		TelegramChatID:   creds.Telegram.ChatID,
	})
	if err != nil {
		return fmt.Errorf("serializing credentials: %w", err)
	}

	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}

	nonce, ciphertext, err := encrypt(plaintext, deriveKey(password, salt))
	if err != nil {
		return fmt.Errorf("encrypting credentials: %w", err)
	}

	data, err := json.MarshalIndent(sealedFile{
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		Version:    vaultVersion,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing vault: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(v.path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(v.path, data, 0600); err != nil {
		return fmt.Errorf("writing vault: %w", err)
	}
	return nil
}

// Open decrypts the vault.
func (v *Vault) Open(password string) (config.Credentials, error) {
	var creds config.Credentials

	data, err := os.ReadFile(v.path)
	if err != nil {
		return creds, fmt.Errorf("reading vault: %w", err)
	}

	var sealed sealedFile
	if err := json.Unmarshal(data, &sealed); err != nil {
		return creds, fmt.Errorf("parsing vault: %w", err)
	}
	if sealed.Version != vaultVersion {
		return creds, fmt.Errorf("unsupported vault version %d", sealed.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(sealed.Salt)
	if err != nil {
		return creds, fmt.Errorf("decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(sealed.Nonce)
	if err != nil {
		return creds, fmt.Errorf("decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(sealed.Ciphertext)
	if err != nil {
		return creds, fmt.Errorf("decoding ciphertext: %w", err)
	}

	plaintext, err := decrypt(ciphertext, deriveKey(password, salt), nonce)
	if err != nil {
		return creds, ErrWrongPassword
	}

	var payload vaultPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return creds, fmt.Errorf("parsing credentials: %w", err)
	}
	creds.Provider.APIKeys = payload.ProviderAPIKeys
	creds.Telegram.BotToken = payload.TelegramBotToken
	creds.Telegram.ChatID = payload.TelegramChatID
	return creds, nil
}

// Loader returns a config.CredentialLoader reading this vault.
func (v *Vault) Loader(password string) config.CredentialLoader {
	return func(creds *config.Credentials) error {
		opened, err := v.Open(password)
		if err != nil {
			return err
		}
		*creds = opened
		return nil
	}
}

// Migrate seals the plain credentials.toml in configDir and securely deletes it.
func (v *Vault) Migrate(password, configDir string) error {
	plainPath := filepath.Join(configDir, "credentials.toml")
	creds, err := config.ReadCredentials(plainPath)
	if err != nil {
		return err
	}
	if len(creds.Provider.APIKeys) == 0 {
		return fmt.Errorf("%s holds no provider API keys", plainPath)
	}
	if err := v.Seal(password, creds); err != nil {
		return err
	}
	return secureDelete(plainPath)
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, PBKDF2Iterations, EncryptionKeySize, sha256.New)
}

func encrypt(plaintext, key []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("creating GCM: %w", err)
	}

	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}

	return nonce, gcm.Seal(nil, nonce, plaintext, nil), nil
}

func decrypt(ciphertext, key, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("nonce has %d bytes, want %d", len(nonce), gcm.NonceSize())
	}

	return gcm.Open(nil, nonce, ciphertext, nil)
}

// secureDelete overwrites a file with random data before deleting.
func secureDelete(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}

	noise := make([]byte, info.Size())
	if _, err := rand.Read(noise); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(noise); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Remove(path)
}
