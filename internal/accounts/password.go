package accounts

import "golang.org/x/crypto/bcrypt"

// MinPasswordCost is the weakest work factor accepted for password hashing.
const MinPasswordCost = 12

// HashPassword derives a salted adaptive hash of the password. bcrypt embeds
// the salt and cost in the encoded output. Costs below MinPasswordCost are
// raised to it.
func HashPassword(password string, cost int) (string, error) {
	if cost < MinPasswordCost {
		cost = MinPasswordCost
	}
	encoded, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

// VerifyPassword reports whether the password matches the stored hash.
func VerifyPassword(password, encodedHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(password)) == nil
}
