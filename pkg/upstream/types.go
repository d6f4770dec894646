package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/zteeed/RootMe-Badge-Generator/pkg/transport"
)

// Doer is the network primitive the client is built on. *transport.Transport
// implements it; tests substitute an in-memory site.
type Doer interface {
	Get(rawURL string, session *http.Cookie) ([]byte, transport.Outcome, error)
	PostForm(rawURL string, form url.Values) (int, []byte, error)
}

// Credential is the service account used for every upstream request
type Credential struct {
	Login    string
	Password string
}

// Identity uniquely identifies an upstream user
type Identity struct {
	Username string
	ID       int
}

// Label is the "name-id" form used in profile URLs and disambiguation lists
func (i Identity) Label() string {
	return fmt.Sprintf("%s-%d", i.Username, i.ID)
}

// RawProfile is a user record as returned by /auteurs/<id>
type RawProfile struct {
	ID          FlexInt           `json:"id_auteur"`
	Name        string            `json:"nom"`
	Score       FlexInt           `json:"score"`
	Position    FlexInt           `json:"position"`
	Validations []json.RawMessage `json:"validations"`

	// Present on some API versions only
	LogoURL string `json:"logo_url,omitempty"`
	Rank    string `json:"rang,omitempty"`
}

// FlexInt decodes integers the API sends either as numbers or as strings.
type FlexInt int

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(strings.TrimSpace(s))
		if len(data) == 0 {
			*f = 0
			return nil
		}
	}
	if n, err := strconv.Atoi(string(data)); err == nil {
		*f = FlexInt(n)
		return nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("not an integer: %s", data)
	}
	*f = FlexInt(math.Round(v))
	return nil
}

// Counters is an immutable snapshot of the estimated upstream totals
type Counters struct {
	Challenges  int       `yaml:"challenges"`
	Users       int       `yaml:"users"`
	RefreshedAt time.Time `yaml:"refreshed_at"`
}

// CounterStore publishes Counters snapshots from a single writer to any
// number of readers. Snapshots are replaced, never modified in place.
type CounterStore struct {
	p atomic.Pointer[Counters]
}

// NewCounterStore creates an empty store
func NewCounterStore() *CounterStore {
	return &CounterStore{}
}

// Load returns the current snapshot. Before the first Store it returns the
// zero snapshot and false.
func (s *CounterStore) Load() (Counters, bool) {
	c := s.p.Load()
	if c == nil {
		return Counters{}, false
	}
	return *c, true
}

// Store replaces the current snapshot
func (s *CounterStore) Store(c Counters) {
	s.p.Store(&c)
}
