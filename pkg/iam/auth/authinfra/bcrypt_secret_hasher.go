package authinfra

import (
	"github.com/Abraxas-365/recall/pkg/iam/apikey"
	"golang.org/x/crypto/bcrypt"
)

// BcryptSecretHasher implementación del hasher de secretos usando bcrypt
type BcryptSecretHasher struct {
	cost int
}

// NewBcryptSecretHasher crea una nueva instancia del hasher de secretos
func NewBcryptSecretHasher(cost int) apikey.SecretHasher {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &BcryptSecretHasher{
		cost: cost,
	}
}

// HashSecret hashea el secreto de una API key
func (s *BcryptSecretHasher) HashSecret(secret string) (string, error) {
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return "", err
	}
	return string(hashedBytes), nil
}

// VerifySecret verifica un secreto contra su hash
func (s *BcryptSecretHasher) VerifySecret(hashedSecret, secret string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hashedSecret), []byte(secret))
	return err == nil
}
