package store

import "time"

// Setting is a key/value row: the fernet key and cached tmux paths live
// here.
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Credential holds the last successful login. Secret columns are
// fernet-sealed; an empty column means the secret was not supplied.
type Credential struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Host       string    `gorm:"not null" json:"host"`
	Port       int       `gorm:"not null;default:22" json:"port"`
	Username   string    `gorm:"not null" json:"username"`
	Password   string    `json:"-"`
	PrivateKey string    `json:"-"`
	Passphrase string    `json:"-"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// credentialRowID is the primary key of the single saved login.
const credentialRowID = 1
