package pkg

import "golang.org/x/crypto/bcrypt"

const adminTokenHashCost = 12

// HashSecret returns the bcrypt hash of an admin secret, as stored in the env config.
func HashSecret(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), adminTokenHashCost)
	return BytesToString(b), err
}

// CheckSecretHash reports whether secret matches the bcrypt hash.
func CheckSecretHash(secret, hash string) bool {
	if secret == "" || hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
