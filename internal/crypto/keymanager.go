// Package crypto loads the escrow settlement key and signs the transactions
// sent with it.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	keyFileVersion = 1
	kdfRounds      = 480_000
	kdfSaltLen     = 16
)

var errNoPassword = errors.New("crypto: key file password is empty")

// keyFile is the JSON layout written by EncryptKey. Byte fields are base64.
type keyFile struct {
	Version    int    `json:"version"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// KeyConfig names where the settlement key comes from, mirroring the
// [escrow] config section. RawPrivateKey wins when both are set.
type KeyConfig struct {
	RawPrivateKey    string
	EncryptedKeyPath string
	KeyPassword      string
}

// EncryptKey seals a hex secp256k1 key under password (PBKDF2-SHA256 into
// AES-256-GCM) and returns the key file contents.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errNoPassword
	}
	key, err := parseHexKey(privateKeyHex)
	if err != nil {
		return nil, err
	}

	kf := keyFile{Version: keyFileVersion, Salt: make([]byte, kdfSaltLen)}
	if _, err := rand.Read(kf.Salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	aead, err := keyCipher(password, kf.Salt)
	if err != nil {
		return nil, err
	}
	kf.Nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(kf.Nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	kf.Ciphertext = aead.Seal(nil, kf.Nonce, ethcrypto.FromECDSA(key), nil)

	return json.MarshalIndent(kf, "", "  ")
}

// openKeyFile decrypts key file contents produced by EncryptKey.
func openKeyFile(data []byte, password string) (*ecdsa.PrivateKey, error) {
	if password == "" {
		return nil, errNoPassword
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("crypto: decode key file: %w", err)
	}
	if kf.Version != keyFileVersion {
		return nil, fmt.Errorf("crypto: key file version %d not supported", kf.Version)
	}

	aead, err := keyCipher(password, kf.Salt)
	if err != nil {
		return nil, err
	}
	if len(kf.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("crypto: key file nonce is %d bytes", len(kf.Nonce))
	}
	raw, err := aead.Open(nil, kf.Nonce, kf.Ciphertext, nil)
	if err != nil {
		return nil, errors.New("crypto: key file did not decrypt, check the password")
	}

	key, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: key file holds an invalid key: %w", err)
	}
	return key, nil
}

func keyCipher(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, kdfRounds, 32, sha256.New))
	if err != nil {
		return nil, fmt.Errorf("crypto: aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm: %w", err)
	}
	return aead, nil
}

func parseHexKey(s string) (*ecdsa.PrivateKey, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	key, err := ethcrypto.HexToECDSA(s)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid secp256k1 key: %w", err)
	}
	return key, nil
}

// LoadKey resolves the settlement key: the raw hex key if configured,
// otherwise the encrypted key file.
func LoadKey(cfg KeyConfig) (*ecdsa.PrivateKey, error) {
	switch {
	case cfg.RawPrivateKey != "":
		return parseHexKey(cfg.RawPrivateKey)
	case cfg.EncryptedKeyPath != "":
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return nil, fmt.Errorf("crypto: read key file: %w", err)
		}
		return openKeyFile(data, cfg.KeyPassword)
	default:
		return nil, errors.New("crypto: no settlement key configured")
	}
}
