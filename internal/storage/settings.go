package storage

import (
	"encoding/json"

	bolt "github.com/boltdb/bolt"
)

var settingsKey = []byte("settings")

// Settings is the singleton settings record. Every field holds an encrypted
// payload; an empty string means the value is not configured.
type Settings struct {
	BotToken   string `json:"bot_id,omitempty"`
	NotifyChat string `json:"chat_id,omitempty"`
	AdminChat  string `json:"admin_chat,omitempty"`
}

// LoadSettings returns the stored settings record. A database without a
// record yields the zero value.
func (s *Store) LoadSettings() (Settings, error) {
	var out Settings
	err := s.view(func(tx *bolt.Tx) error {
		var err error
		out, err = readSettings(tx)
		return err
	})
	return out, err
}

// UpdateSettings applies fn to the settings record within one write
// transaction and returns the stored result.
func (s *Store) UpdateSettings(fn func(*Settings) error) (Settings, error) {
	var out Settings
	err := s.update(func(tx *bolt.Tx) error {
		cur, err := readSettings(tx)
		if err != nil {
			return err
		}
		if err := fn(&cur); err != nil {
			return err
		}
		data, err := json.Marshal(cur)
		if err != nil {
			return err
		}
		out = cur
		return tx.Bucket([]byte(bucketSettings)).Put(settingsKey, data)
	})
	return out, err
}

func readSettings(tx *bolt.Tx) (Settings, error) {
	var out Settings
	v := tx.Bucket([]byte(bucketSettings)).Get(settingsKey)
	if v == nil {
		return out, nil
	}
	err := json.Unmarshal(v, &out)
	return out, err
}
