package ledger

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

const (
	ibanCountry  = "LV"
	ibanBankCode = "HABA"
	ibanAccount  = 13
)

// IBANGenerator produces account numbers for new accounts.
type IBANGenerator func() (string, error)

// GenerateIBAN returns a random Latvian-format IBAN with valid check digits.
func GenerateIBAN() (string, error) {
	var sb strings.Builder
	for i := 0; i < ibanAccount; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("failed to generate account digits: %w", err)
		}
		sb.WriteByte(byte('0' + n.Int64()))
	}
	bban := ibanBankCode + sb.String()
	return ibanCountry + checkDigits(ibanCountry, bban) + bban, nil
}

// ValidIBAN reports whether s carries correct ISO 13616 check digits.
func ValidIBAN(s string) bool {
	if len(s) < 5 {
		return false
	}
	return mod97(s[4:]+s[:4]) == 1
}

func checkDigits(country, bban string) string {
	return fmt.Sprintf("%02d", 98-mod97(bban+country+"00"))
}

// mod97 treats letters as 10..35, per ISO 7064.
func mod97(s string) int {
	rem := 0
	for _, r := range strings.ToUpper(s) {
		switch {
		case r >= '0' && r <= '9':
			rem = (rem*10 + int(r-'0')) % 97
		case r >= 'A' && r <= 'Z':
			rem = (rem*100 + int(r-'A') + 10) % 97
		default:
			return -1
		}
	}
	return rem
}
