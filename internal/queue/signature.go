package queue

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

var ErrInvalidSignature = errors.New("invalid queue signature")

// SignatureClaims 回调签名中的声明
type SignatureClaims struct {
	Body string `json:"body"`
	jwt.RegisteredClaims
}

// Verifier 校验回调请求签名, 支持当前和下一把签名密钥
type Verifier struct {
	keys []string
}

func NewVerifier(currentKey, nextKey string) *Verifier {
	var keys []string
	for _, k := range []string{currentKey, nextKey} {
		if k != "" {
			keys = append(keys, k)
		}
	}
	return &Verifier{keys: keys}
}

// Enabled 未配置密钥时不校验
func (v *Verifier) Enabled() bool {
	return len(v.keys) > 0
}

// Verify 依次尝试每把密钥, url 非空时还要求 sub 匹配
func (v *Verifier) Verify(signature string, body []byte, url string) error {
	if signature == "" {
		return fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}

	var lastErr error
	for _, key := range v.keys {
		if err := verifyWithKey(signature, key, body, url); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidSignature, lastErr)
}

func verifyWithKey(signature, key string, body []byte, url string) error {
	claims := &SignatureClaims{}
	_, err := jwt.ParseWithClaims(signature, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(key), nil
	})
	if err != nil {
		return err
	}

	if claims.Issuer != "Upstash" {
		return fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	if url != "" && claims.Subject != url {
		return fmt.Errorf("unexpected subject %q", claims.Subject)
	}
	if strings.TrimRight(claims.Body, "=") != BodyHash(body) {
		return errors.New("body hash mismatch")
	}
	return nil
}

// BodyHash sha256 的 base64url 编码 (无填充)
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
