// Package validation содержит функции валидации входных данных.
package validation

import (
	"strings"
	"unicode"
)

// NormalizePlate приводит номерной знак к каноническому виду:
// обрезает пробелы по краям, убирает внутренние и переводит в верхний регистр.
func NormalizePlate(plate string) string {
	fields := strings.Fields(strings.ToUpper(plate))
	return strings.Join(fields, "")
}

// IsValidPlate проверяет синтаксическую корректность номерного знака.
// Допускаются заглавные латинские буквы, цифры и дефис, длина от 3 до 10 символов.
func IsValidPlate(plate string) bool {
	if len(plate) < 3 || len(plate) > 10 {
		return false
	}

	hasAlnum := false
	for _, ch := range plate {
		switch {
		case ch >= 'A' && ch <= 'Z':
			hasAlnum = true
		case unicode.IsDigit(ch):
			hasAlnum = true
		case ch == '-':
		default:
			return false
		}
	}

	return hasAlnum
}

// FormatPlate форматирует номерной знак для отображения: ABC123 -> ABC-123.
// Номера, не распадающиеся на буквенный префикс и цифровой суффикс, возвращаются как есть.
func FormatPlate(plate string) string {
	p := NormalizePlate(plate)

	i := 0
	for i < len(p) && p[i] >= 'A' && p[i] <= 'Z' {
		i++
	}
	if i == 0 || i == len(p) {
		return p
	}

	for j := i; j < len(p); j++ {
		if p[j] < '0' || p[j] > '9' {
			return p
		}
	}

	return p[:i] + "-" + p[i:]
}
