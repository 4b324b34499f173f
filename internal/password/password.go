package password

import (
	"crypto/rand"
	"errors"
	"math/big"
	"strings"
)

// Character classes the generator draws from.
const (
	charsNumbers   = "0123456789"
	charsLowercase = "abcdefghijklmnopqrstuvwxyz"
	charsUppercase = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	charsSymbols   = "!@#$%^&*()-_=+[]{};:,.<>?"
	charsSpaces    = " "

	// Characters that are easily confused with one another and are
	// dropped when the policy asks for it.
	charsSimilar = "iIlLoO01"
)

// Policy controls the length and character classes of generated
// credentials.
type Policy struct {
	Length         int  `koanf:"length"`
	Numbers        bool `koanf:"numbers"`
	Lowercase      bool `koanf:"lowercase"`
	Uppercase      bool `koanf:"uppercase"`
	Symbols        bool `koanf:"symbols"`
	Spaces         bool `koanf:"spaces"`
	ExcludeSimilar bool `koanf:"exclude_similar"`

	// Strict requires at least one character from every enabled class
	// instead of a purely random draw.
	Strict bool `koanf:"strict"`
}

// ErrInvalidPolicy indicates a policy that cannot produce a password.
var ErrInvalidPolicy = errors.New("invalid password policy")

// Generate produces a random credential string that satisfies the policy.
// The randomness source is crypto/rand as the output is a bearer
// credential.
func Generate(p Policy) (string, error) {
	classes := p.classes()
	if len(classes) == 0 || p.Length <= 0 {
		return "", ErrInvalidPolicy
	}
	if p.Strict && p.Length < len(classes) {
		return "", ErrInvalidPolicy
	}

	pool := strings.Join(classes, "")
	out := make([]byte, 0, p.Length)

	// In strict mode, one pick from every enabled class first.
	if p.Strict {
		for _, class := range classes {
			c, err := pick(class)
			if err != nil {
				return "", err
			}
			out = append(out, c)
		}
	}

	for len(out) < p.Length {
		c, err := pick(pool)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}

	// Shuffle so the per-class picks don't sit at the front.
	if p.Strict {
		if err := shuffle(out); err != nil {
			return "", err
		}
	}
	return string(out), nil
}

// classes returns the enabled character classes after similar-character
// exclusion.
func (p Policy) classes() []string {
	var out []string
	add := func(class string) {
		if p.ExcludeSimilar {
			class = strip(class, charsSimilar)
		}
		if class != "" {
			out = append(out, class)
		}
	}

	if p.Numbers {
		add(charsNumbers)
	}
	if p.Lowercase {
		add(charsLowercase)
	}
	if p.Uppercase {
		add(charsUppercase)
	}
	if p.Symbols {
		add(charsSymbols)
	}
	if p.Spaces {
		add(charsSpaces)
	}
	return out
}

// strip removes every character in cutset from s.
func strip(s, cutset string) string {
	var b strings.Builder
	for _, r := range s {
		if !strings.ContainsRune(cutset, r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// pick draws one uniformly random character from the set.
func pick(set string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(set))))
	if err != nil {
		return 0, err
	}
	return set[n.Int64()], nil
}

// shuffle permutes the bytes in place (Fisher-Yates).
func shuffle(b []byte) error {
	for i := len(b) - 1; i > 0; i-- {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return err
		}
		j := n.Int64()
		b[i], b[j] = b[j], b[i]
	}
	return nil
}
