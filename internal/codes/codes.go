// Package codes содержит генерацию и валидацию кодов комплиментов:
// поискового кода, PIN и одноразового токена магической ссылки.
package codes

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"unicode"
)

const (
	// SearchCodeLength — длина поискового кода, вводимого вручную.
	SearchCodeLength = 8
	// PINLength — длина PIN разблокировки.
	PINLength = 5
	// magicTokenBytes — размер случайной части токена магической ссылки.
	magicTokenBytes = 16
)

// pinAlphabet — алфавит PIN без визуально похожих символов (0/O, 1/l/I, 5/S, 8/B).
const pinAlphabet = "234679ACDEFGHJKMNPQRTUVWXYZ"

// NewSearchCode генерирует поисковый код из восьми цифр.
// Уникальность обеспечивает хранилище; при коллизии вызывающий запрашивает новый код.
func NewSearchCode() (string, error) {
	digits, err := randomIndexes(SearchCodeLength, 10)
	if err != nil {
		return "", fmt.Errorf("generate search code: %w", err)
	}

	buf := make([]byte, SearchCodeLength)
	for i, d := range digits {
		buf[i] = byte('0' + d)
	}
	return string(buf), nil
}

// NewPIN генерирует PIN из пяти символов фиксированного алфавита.
func NewPIN() (string, error) {
	idx, err := randomIndexes(PINLength, len(pinAlphabet))
	if err != nil {
		return "", fmt.Errorf("generate pin: %w", err)
	}

	buf := make([]byte, PINLength)
	for i, j := range idx {
		buf[i] = pinAlphabet[j]
	}
	return string(buf), nil
}

// NewMagicToken генерирует одноразовый токен магической ссылки.
func NewMagicToken() (string, error) {
	raw := make([]byte, magicTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate magic token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// IsValidSearchCode проверяет, что строка является корректным поисковым кодом.
func IsValidSearchCode(code string) bool {
	if len(code) != SearchCodeLength {
		return false
	}
	for _, ch := range code {
		if !unicode.IsDigit(ch) {
			return false
		}
	}
	return true
}

// IsValidPIN проверяет, что строка является корректным PIN.
func IsValidPIN(pin string) bool {
	if len(pin) != PINLength {
		return false
	}
	for i := 0; i < len(pin); i++ {
		if !inPINAlphabet(pin[i]) {
			return false
		}
	}
	return true
}

func inPINAlphabet(b byte) bool {
	for i := 0; i < len(pinAlphabet); i++ {
		if pinAlphabet[i] == b {
			return true
		}
	}
	return false
}

// randomIndexes возвращает n случайных индексов в диапазоне [0, bound).
// Отбрасывает значения за пределами максимального кратного bound,
// чтобы распределение оставалось равномерным.
func randomIndexes(n, bound int) ([]int, error) {
	limit := 256 - 256%bound
	res := make([]int, 0, n)
	buf := make([]byte, n)

	for len(res) < n {
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			res = append(res, int(b)%bound)
			if len(res) == n {
				break
			}
		}
	}

	return res, nil
}
