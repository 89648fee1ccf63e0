package crypto

import (
	"bytes"
	"testing"
)

func TestEncryptDecrypt(t *testing.T) {
	key, err := GenKey()
	if err != nil {
		t.Error(err)
		return
	}
	data := []byte("some event payload")
	ct, err := Encrypt(data, key)
	if err != nil {
		t.Error(err)
		return
	}
	if bytes.Equal(ct, data) {
		t.Error("ciphertext equals plaintext")
		return
	}
	out, err := Decrypt(ct, key)
	if err != nil {
		t.Error(err)
		return
	}
	if !bytes.Equal(out, data) {
		t.Error("decrypted data does not match original")
		return
	}
}

func TestDecryptWrongKey(t *testing.T) {
	key, err := GenKey()
	if err != nil {
		t.Error(err)
		return
	}
	ct, err := Encrypt([]byte("payload"), key)
	if err != nil {
		t.Error(err)
		return
	}
	other := DeriveKey("not the right passphrase")
	_, err = Decrypt(ct, other)
	if err == nil {
		t.Error("expected decryption failure with wrong key")
		return
	}
}

func TestDeriveKeyStable(t *testing.T) {
	if DeriveKey("a") != DeriveKey("a") {
		t.Error("derived keys differ for equal passphrases")
		return
	}
	if DeriveKey("a") == DeriveKey("b") {
		t.Error("derived keys equal for different passphrases")
		return
	}
}
