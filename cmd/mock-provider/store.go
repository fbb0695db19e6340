package main

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type payer struct {
	Email string `json:"email"`
}

type payment struct {
	ID                int64           `json:"id"`
	Status            string          `json:"status"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	CollectorID       string          `json:"collector_id"`
	Payer             payer           `json:"payer"`
	DateCreated       time.Time       `json:"date_created"`
}

// store keeps payments per collector. A token only sees its own collector's
// payments, as with the real provider.
type store struct {
	mu         sync.RWMutex
	nextID     int64
	payments   map[int64]payment
	collectors map[string]string
}

func newStore(tokens map[string]string) *store {
	return &store{
		nextID:     1000,
		payments:   make(map[int64]payment),
		collectors: tokens,
	}
}

func (s *store) collectorFor(token string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collectors[token]
	return c, ok
}

func (s *store) add(p payment) payment {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	p.ID = s.nextID
	if p.DateCreated.IsZero() {
		p.DateCreated = time.Now().UTC()
	}
	s.payments[p.ID] = p
	return p
}

func (s *store) get(collector, rawID string) (payment, bool) {
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return payment{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	if !ok || p.CollectorID != collector {
		return payment{}, false
	}
	return p, true
}

// search returns the collector's payments with the given status created at
// or after since, newest first.
func (s *store) search(collector, status string, since time.Time, limit int) []payment {
	s.mu.RLock()
	var out []payment
	for _, p := range s.payments {
		if p.CollectorID != collector || (status != "" && p.Status != status) {
			continue
		}
		if p.DateCreated.Before(since) {
			continue
		}
		out = append(out, p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DateCreated.Equal(out[j].DateCreated) {
			return out[i].ID > out[j].ID
		}
		return out[i].DateCreated.After(out[j].DateCreated)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
