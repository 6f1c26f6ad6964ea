// Package store persists the saved login and small settings in sqlite.
package store

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/claworc/tether/internal/crypto"
	"github.com/gluk-w/claworc/tether/internal/logutil"
	"github.com/gluk-w/claworc/tether/internal/sshconn"
)

type Store struct {
	db     *gorm.DB
	sealer *crypto.Sealer
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	return New(db)
}

// New migrates db and loads (or creates) the sealing key.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&Setting{}, &Credential{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	s := &Store{db: db}
	sealer, err := crypto.LoadOrCreate(s)
	if err != nil {
		return nil, fmt.Errorf("load sealing key: %w", err)
	}
	s.sealer = sealer
	return s, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetSetting returns gorm.ErrRecordNotFound for a missing key.
func (s *Store) GetSetting(key string) (string, error) {
	var row Setting
	if err := s.db.Where("key = ?", key).First(&row).Error; err != nil {
		return "", err
	}
	return row.Value, nil
}

func (s *Store) SetSetting(key, value string) error {
	return s.db.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// PathCache adapts the settings table to the multiplexer's path cache.
type PathCache struct {
	s *Store
}

func (s *Store) PathCache() *PathCache {
	return &PathCache{s: s}
}

func (c *PathCache) Load(key string) (string, bool) {
	v, err := c.s.GetSetting(key)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("[store] read %s: %v", logutil.SanitizeForLog(key), err)
		}
		return "", false
	}
	return v, v != ""
}

func (c *PathCache) Store(key, path string) error {
	return c.s.SetSetting(key, path)
}

// SaveCredentials replaces the saved login. Secrets are sealed first.
func (s *Store) SaveCredentials(creds sshconn.Credentials) error {
	row := Credential{
		ID:       credentialRowID,
		Host:     creds.Host,
		Port:     creds.EffectivePort(),
		Username: creds.Username,
	}
	var err error
	if row.Password, err = s.sealer.Encrypt(creds.Password); err != nil {
		return fmt.Errorf("seal password: %w", err)
	}
	if row.PrivateKey, err = s.sealer.Encrypt(string(creds.PrivateKey)); err != nil {
		return fmt.Errorf("seal private key: %w", err)
	}
	if row.Passphrase, err = s.sealer.Encrypt(creds.Passphrase); err != nil {
		return fmt.Errorf("seal passphrase: %w", err)
	}
	if err := s.db.Save(&row).Error; err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	log.Printf("[store] saved credentials for %s", logutil.Endpoint(row.Username, row.Host, row.Port))
	return nil
}

// LoadCredentials returns the saved login, or false when none is stored.
func (s *Store) LoadCredentials() (sshconn.Credentials, bool, error) {
	var row Credential
	err := s.db.First(&row, credentialRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return sshconn.Credentials{}, false, nil
	}
	if err != nil {
		return sshconn.Credentials{}, false, fmt.Errorf("load credentials: %w", err)
	}

	creds := sshconn.Credentials{Host: row.Host, Port: row.Port, Username: row.Username}
	if creds.Password, err = s.sealer.Decrypt(row.Password); err != nil {
		return sshconn.Credentials{}, false, fmt.Errorf("open password: %w", err)
	}
	key, err := s.sealer.Decrypt(row.PrivateKey)
	if err != nil {
		return sshconn.Credentials{}, false, fmt.Errorf("open private key: %w", err)
	}
	if key != "" {
		creds.PrivateKey = []byte(key)
	}
	if creds.Passphrase, err = s.sealer.Decrypt(row.Passphrase); err != nil {
		return sshconn.Credentials{}, false, fmt.Errorf("open passphrase: %w", err)
	}
	return creds, true, nil
}

// ClearCredentials forgets the saved login.
func (s *Store) ClearCredentials() error {
	if err := s.db.Delete(&Credential{}, credentialRowID).Error; err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}
