// Package identity содержит каноникализацию адресов электронной почты
// для поиска дублирующихся аккаунтов.
package identity

import "strings"

// aliasDomains сопоставляет известные домены-синонимы основному домену провайдера.
var aliasDomains = map[string]string{
	"googlemail.com": "gmail.com",
	"ya.ru":          "yandex.ru",
	"yandex.com":     "yandex.ru",
}

// dotInsensitiveDomains — провайдеры, игнорирующие точки в локальной части адреса.
var dotInsensitiveDomains = map[string]bool{
	"gmail.com": true,
}

// Canonicalize приводит адрес почты к каноническому ключу local@domain.
// Функция чистая и тотальная: для пустого или некорректного входа возвращает
// результат «по возможности», никогда не паникует. Используется только для
// поиска дублей на чтении; слияние балансов выполняет администратор отдельной
// операцией.
func Canonicalize(email string) string {
	s := strings.ToLower(strings.TrimSpace(email))

	at := strings.LastIndex(s, "@")
	if at < 0 {
		return s
	}

	local := s[:at]
	domain := s[at+1:]

	if primary, ok := aliasDomains[domain]; ok {
		domain = primary
	}

	// Суффикс после «+» везде трактуется как пользовательский алиас.
	if plus := strings.Index(local, "+"); plus >= 0 {
		local = local[:plus]
	}

	if dotInsensitiveDomains[domain] {
		local = strings.ReplaceAll(local, ".", "")
	}

	return local + "@" + domain
}
