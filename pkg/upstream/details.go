package upstream

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// DetailsSource provides the profile fields the JSON record may lack
type DetailsSource interface {
	AvatarURL(id Identity) (string, error)
	RankTitle(id Identity) (string, error)
}

// RecordSeeder is implemented by sources that can reuse a user record fetched
// elsewhere instead of requesting it again
type RecordSeeder interface {
	Remember(id Identity, rec RawProfile)
}

// recordTTL bounds how long StructuredDetails reuses a record
const recordTTL = time.Minute

type rememberedRecord struct {
	rec     RawProfile
	fetched time.Time
}

// StructuredDetails reads avatar and rank from the JSON user record. The
// record is fetched once per user for both fields.
type StructuredDetails struct {
	client *Client
	now    func() time.Time

	mu      sync.Mutex
	records map[int]rememberedRecord
}

// NewStructuredDetails creates a StructuredDetails
func NewStructuredDetails(client *Client) *StructuredDetails {
	return &StructuredDetails{
		client:  client,
		now:     time.Now,
		records: make(map[int]rememberedRecord),
	}
}

// Remember implements RecordSeeder
func (s *StructuredDetails) Remember(id Identity, rec RawProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, r := range s.records {
		if now.Sub(r.fetched) >= recordTTL {
			delete(s.records, k)
		}
	}
	s.records[id.ID] = rememberedRecord{rec: rec, fetched: now}
}

func (s *StructuredDetails) record(id Identity) (RawProfile, error) {
	s.mu.Lock()
	r, ok := s.records[id.ID]
	s.mu.Unlock()
	if ok && s.now().Sub(r.fetched) < recordTTL {
		return r.rec, nil
	}

	rec, found, err := s.client.Profile(id)
	if err != nil {
		return RawProfile{}, err
	}
	if !found {
		return RawProfile{}, ErrNoStructuredData
	}
	s.Remember(id, rec)
	return rec, nil
}

// AvatarURL implements DetailsSource
func (s *StructuredDetails) AvatarURL(id Identity) (string, error) {
	rec, err := s.record(id)
	if err != nil {
		return "", err
	}
	if rec.LogoURL == "" {
		return "", ErrNoStructuredData
	}
	return s.client.absolute(rec.LogoURL)
}

// RankTitle implements DetailsSource
func (s *StructuredDetails) RankTitle(id Identity) (string, error) {
	rec, err := s.record(id)
	if err != nil {
		return "", err
	}
	if title := CleanText(rec.Rank); title != "" {
		return title, nil
	}
	return "", ErrNoStructuredData
}

// ChainDetails asks each source in turn, moving on only when a source reports
// ErrNoStructuredData. Any other error is returned as is.
type ChainDetails []DetailsSource

// AvatarURL implements DetailsSource
func (c ChainDetails) AvatarURL(id Identity) (string, error) {
	return c.first(func(s DetailsSource) (string, error) { return s.AvatarURL(id) })
}

// RankTitle implements DetailsSource
func (c ChainDetails) RankTitle(id Identity) (string, error) {
	return c.first(func(s DetailsSource) (string, error) { return s.RankTitle(id) })
}

// Remember implements RecordSeeder by passing rec to every source that
// accepts records
func (c ChainDetails) Remember(id Identity, rec RawProfile) {
	for _, s := range c {
		if seeder, ok := s.(RecordSeeder); ok {
			seeder.Remember(id, rec)
		}
	}
}

func (c ChainDetails) first(ask func(DetailsSource) (string, error)) (string, error) {
	err := ErrNoStructuredData
	for _, s := range c {
		var v string
		v, err = ask(s)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNoStructuredData) {
			return "", err
		}
	}
	return "", err
}

// Details is the pair of fields held by MemoryDetails
type Details struct {
	Avatar string
	Rank   string
}

// MemoryDetails implements DetailsSource using an in-memory map
type MemoryDetails struct {
	mu      sync.RWMutex
	details map[int]Details
}

// NewMemoryDetails creates an empty MemoryDetails
func NewMemoryDetails() *MemoryDetails {
	return &MemoryDetails{details: make(map[int]Details)}
}

// Add sets the details of a user id
func (m *MemoryDetails) Add(id int, d Details) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.details[id] = d
}

func (m *MemoryDetails) get(id Identity) (Details, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.details[id.ID]
	if !ok {
		return Details{}, fmt.Errorf("%w: %s", ErrUnknownUser, id.Label())
	}
	return d, nil
}

// AvatarURL implements DetailsSource
func (m *MemoryDetails) AvatarURL(id Identity) (string, error) {
	d, err := m.get(id)
	return d.Avatar, err
}

// RankTitle implements DetailsSource
func (m *MemoryDetails) RankTitle(id Identity) (string, error) {
	d, err := m.get(id)
	return d.Rank, err
}
