package linking

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"time"
)

const (
	DefaultOTPLength = 6
	DefaultOTPTTL    = 10 * time.Minute
)

// Codec выпускает и проверяет одноразовые цифровые коды.
type Codec struct {
	length int
	ttl    time.Duration
	clock  func() time.Time
}

// NewCodec создает кодек. Нулевые значения заменяются значениями по умолчанию.
func NewCodec(length int, ttl time.Duration) *Codec {
	if length <= 0 {
		length = DefaultOTPLength
	}
	if ttl <= 0 {
		ttl = DefaultOTPTTL
	}
	return &Codec{length: length, ttl: ttl, clock: time.Now}
}

// Length возвращает число цифр в коде.
func (c *Codec) Length() int {
	return c.length
}

// TTL возвращает срок действия кода.
func (c *Codec) TTL() time.Duration {
	return c.ttl
}

// Generate возвращает код из crypto/rand, дополненный нулями слева.
func (c *Codec) Generate() (string, error) {
	max := big.NewInt(0).Exp(big.NewInt(10), big.NewInt(int64(c.length)), nil)
	value, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", c.length, value.Int64()), nil
}

// WellFormed сообщает, похож ли текст на код нужной длины.
func (c *Codec) WellFormed(code string) bool {
	if len(code) != c.length {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Verify проверяет код по запросу. Истекший код отклоняется с ErrOTPExpired
// даже при совпадении цифр.
func (c *Codec) Verify(code string, request LinkRequest) error {
	if request.Status != StatusPending || request.OTP == "" {
		return ErrOTPMismatch
	}
	if c.clock().Sub(request.CreatedAt) > c.ttl {
		return ErrOTPExpired
	}
	if subtle.ConstantTimeCompare([]byte(code), []byte(request.OTP)) != 1 {
		return ErrOTPMismatch
	}
	return nil
}

// Valid возвращает результат Verify в виде bool.
func (c *Codec) Valid(code string, request LinkRequest) bool {
	return c.Verify(code, request) == nil
}
