package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"

	"github.com/iidesho/bragi/sbragi"
	"golang.org/x/crypto/sha3"
)

// Keys are 32 byte AES keys, base64 encoded so they can live in config.
func GenKey() (key sbragi.RedactedString, err error) {
	b := make([]byte, 32)
	_, err = io.ReadFull(rand.Reader, b)
	if err != nil {
		return
	}
	key = sbragi.RedactedString(base64.StdEncoding.EncodeToString(b))
	return
}

// DeriveKey makes a stable key from a passphrase.
func DeriveKey(passphrase string) sbragi.RedactedString {
	b := sha3.Sum256([]byte(passphrase))
	return sbragi.RedactedString(base64.StdEncoding.EncodeToString(b[:]))
}

func Encrypt(data []byte, keyBase64 sbragi.RedactedString) (ciphertext []byte, err error) {
	key, err := base64.StdEncoding.DecodeString(string(keyBase64))
	if err != nil {
		return
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return
	}
	gcm, err := cipher.NewGCM(c)
	if err != nil {
		return
	}

	nonce := make([]byte, gcm.NonceSize())
	_, err = io.ReadFull(rand.Reader, nonce)
	if err != nil {
		return
	}

	ciphertext = gcm.Seal(nonce, nonce, data, nil)
	return
}

func Decrypt(ciphertextAndNounce []byte, keyBase64 sbragi.RedactedString) (data []byte, err error) {
	key, err := base64.StdEncoding.DecodeString(string(keyBase64))
	if err != nil {
		return
	}
	c, err := aes.NewCipher(key)
	if err != nil {
		return
	}
	gcm, err := cipher.NewGCM(c)
	if err != nil {
		return
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertextAndNounce) < nonceSize {
		err = errors.New("ciphertext size is less than nonceSize")
		return
	}

	nonce, ciphertext := ciphertextAndNounce[:nonceSize], ciphertextAndNounce[nonceSize:]
	data, err = gcm.Open(nil, nonce, ciphertext, nil)
	return
}
