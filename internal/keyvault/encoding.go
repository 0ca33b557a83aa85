package keyvault

import (
	"crypto/rand"
	"encoding/base64"
)

func encodeSecret(v []byte) string {
	return base64.StdEncoding.EncodeToString(v)
}

func decodeSecret(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func randRead(b []byte) error {
	_, err := rand.Read(b)
	return err
}
