package storage

import (
	"encoding/binary"
	"encoding/json"
	"sort"

	bolt "github.com/boltdb/bolt"
)

// Reservation is a booked table. Date is YYYY-MM-DD, Time is HH:MM.
type Reservation struct {
	ID     uint64 `json:"id"`
	Table  string `json:"table"`
	Name   string `json:"name"`
	Person int    `json:"person"`
	Time   string `json:"time"`
	Phone  string `json:"phone"`
	Date   string `json:"date"`
}

// AddReservation stores r and assigns its ID.
func (s *Store) AddReservation(r *Reservation) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketReservations))
		id, err := b.NextSequence()
		if err != nil {
			return err
		}
		r.ID = id
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, id)
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// ReservationsByDate returns the reservations for date ordered by time.
func (s *Store) ReservationsByDate(date string) ([]Reservation, error) {
	var items []Reservation
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketReservations)).ForEach(func(_, v []byte) error {
			var r Reservation
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Date == date {
				items = append(items, r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Time < items[j].Time })
	return items, nil
}
