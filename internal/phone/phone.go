package phone

import "strings"

// Normalize приводит номер к виду +<цифры>. Возвращает пустую строку,
// если цифр слишком мало или слишком много для номера E.164.
func Normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	var digits strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return ""
		}
	}
	value := digits.String()
	if strings.HasPrefix(value, "00") {
		value = value[2:]
	}
	if len(value) < 7 || len(value) > 15 {
		return ""
	}
	return "+" + value
}
