package storage

import (
	"encoding/json"
	"time"

	bolt "github.com/boltdb/bolt"
)

// LinkCode is a short-lived code that binds a chat to the system.
type LinkCode struct {
	Code      string     `json:"code"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	ChatID    *string    `json:"chat_id,omitempty"`
}

// Expired reports whether the code is past its expiry at now.
func (c *LinkCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// CreateLinkCode stores a new code. It returns ErrDuplicate if the code is
// already present; the check and the insert share one transaction.
func (s *Store) CreateLinkCode(code *LinkCode) error {
	data, err := json.Marshal(code)
	if err != nil {
		return err
	}
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLinkCodes))
		if b.Get([]byte(code.Code)) != nil {
			return ErrDuplicate
		}
		return b.Put([]byte(code.Code), data)
	})
}

// GetLinkCode returns the stored code or ErrNotFound.
func (s *Store) GetLinkCode(code string) (*LinkCode, error) {
	var lc *LinkCode
	err := s.view(func(tx *bolt.Tx) error {
		var err error
		lc, err = getLinkCode(tx, code)
		return err
	})
	return lc, err
}

func getLinkCode(tx *bolt.Tx, code string) (*LinkCode, error) {
	v := tx.Bucket([]byte(bucketLinkCodes)).Get([]byte(code))
	if v == nil {
		return nil, ErrNotFound
	}
	var lc LinkCode
	if err := json.Unmarshal(v, &lc); err != nil {
		return nil, err
	}
	return &lc, nil
}

// DeleteLinkCode removes a code. Deleting a missing code is not an error.
func (s *Store) DeleteLinkCode(code string) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketLinkCodes)).Delete([]byte(code))
	})
}

// ConsumeLinkCode marks the code used by chatID only if it is still unused
// and not expired at now. It reports whether the record was updated.
// Bolt runs one writer at a time, so at most one caller observes true.
func (s *Store) ConsumeLinkCode(code, chatID string, now time.Time) (bool, error) {
	var changed bool
	err := s.update(func(tx *bolt.Tx) error {
		lc, err := getLinkCode(tx, code)
		if err == ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if lc.UsedAt != nil || lc.Expired(now) {
			return nil
		}
		usedAt := now
		lc.UsedAt = &usedAt
		lc.ChatID = &chatID
		data, err := json.Marshal(lc)
		if err != nil {
			return err
		}
		changed = true
		return tx.Bucket([]byte(bucketLinkCodes)).Put([]byte(code), data)
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// DeleteExpiredLinkCodes removes unused codes that expired before now and
// returns how many were removed.
func (s *Store) DeleteExpiredLinkCodes(now time.Time) (int, error) {
	var n int
	err := s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLinkCodes))
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var lc LinkCode
			if err := json.Unmarshal(v, &lc); err != nil {
				return err
			}
			if lc.UsedAt == nil && lc.Expired(now) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(stale)
		return nil
	})
	return n, err
}
