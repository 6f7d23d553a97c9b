package entity

import "time"

// ContentGrant — временный доступ к скачанному артефакту для установщика.
// Установщик получает копию в приватном каталоге, а не исходный путь.
type ContentGrant struct {
	Token     string
	Path      string
	ExpiresAt time.Time
}

func (g *ContentGrant) Expired(now time.Time) bool {
	return now.After(g.ExpiresAt)
}
