package upstream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/zteeed/RootMe-Badge-Generator/pkg/transport"
)

const (
	testAPI  = "https://api.root-me.test"
	testSite = "https://www.root-me.test"
)

type reply struct {
	body    string
	outcome transport.Outcome
}

// fakeSite is an in-memory upstream. Routes are keyed by host+path+"?"+query.
type fakeSite struct {
	mu     sync.Mutex
	routes map[string]reply
	// dynamic answers requests not found in routes
	dynamic func(u *url.URL) (reply, bool)

	valid       string // token accepted by GETs; empty means every session is expired
	logins      int
	loginStatus int
	gets        []string
	authChecks  bool
	rejectAll   bool
}

func newFakeSite() *fakeSite {
	return &fakeSite{routes: make(map[string]reply), loginStatus: http.StatusOK}
}

func (f *fakeSite) route(rawURL string, body string) {
	f.routes[key(rawURL)] = reply{body: body, outcome: transport.Found}
}

func key(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		panic(err)
	}
	k := u.Host + u.Path
	if u.RawQuery != "" {
		k += "?" + u.Query().Encode()
	}
	return k
}

func (f *fakeSite) Get(rawURL string, session *http.Cookie) ([]byte, transport.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets = append(f.gets, rawURL)

	if f.rejectAll {
		return nil, transport.Unauthorized, nil
	}
	if f.authChecks {
		if session == nil || session.Name != sessionCookie || session.Value != f.valid || f.valid == "" {
			return nil, transport.Unauthorized, nil
		}
	}

	if r, ok := f.routes[key(rawURL)]; ok {
		return []byte(r.body), r.outcome, nil
	}
	if f.dynamic != nil {
		u, _ := url.Parse(rawURL)
		if r, ok := f.dynamic(u); ok {
			return []byte(r.body), r.outcome, nil
		}
	}
	return nil, transport.NotFound, nil
}

func (f *fakeSite) PostForm(rawURL string, form url.Values) (int, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginStatus != http.StatusOK {
		return f.loginStatus, []byte("denied"), nil
	}
	f.logins++
	f.valid = fmt.Sprintf("token-%d", f.logins)
	return http.StatusOK, []byte(fmt.Sprintf(`[{"info":{"spip_session":%q}}]`, f.valid)), nil
}

func (f *fakeSite) expire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.valid = ""
}

func (f *fakeSite) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

// getsContain must be called with f.mu held, from a dynamic handler
func (f *fakeSite) getsContain(rawURL string) bool {
	for _, g := range f.gets {
		if g == rawURL {
			return true
		}
	}
	return false
}

// getsOf counts the requests made for rawURL
func (f *fakeSite) getsOf(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, g := range f.gets {
		if g == rawURL {
			n++
		}
	}
	return n
}

func (f *fakeSite) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.gets)
}

// listing renders one page of n items at offset of a paginated collection.
// more adds the "next" relation.
func listing(offset, n int, more bool) string {
	items := make(map[string]map[string]string, n)
	for i := 0; i < n; i++ {
		items[strconv.Itoa(i)] = map[string]string{"id_auteur": strconv.Itoa(offset + i + 1)}
	}
	elems := []interface{}{items}
	if offset > 0 {
		elems = append(elems, map[string]string{"rel": "previous", "href": "prev"})
	}
	if more {
		elems = append(elems, map[string]string{"rel": "next", "href": "next"})
	}
	b, _ := json.Marshal(elems)
	return string(b)
}

// paginated answers /<resource>?debut_<resource>=<offset> with size(offset) items
func paginated(resource string, size func(offset int) int, step int) func(u *url.URL) (reply, bool) {
	return func(u *url.URL) (reply, bool) {
		if u.Path != "/"+resource {
			return reply{}, false
		}
		offset, _ := strconv.Atoi(u.Query().Get("debut_" + resource))
		n := size(offset)
		more := n == step && size(offset+step) > 0
		return reply{body: listing(offset, n, more), outcome: transport.Found}, true
	}
}

func userEntries(entries ...Identity) string {
	items := make(map[string]map[string]string, len(entries))
	for i, e := range entries {
		items[strconv.Itoa(i)] = map[string]string{"id_auteur": strconv.Itoa(e.ID), "nom": e.Username}
	}
	b, _ := json.Marshal([]interface{}{items})
	return string(b)
}

func userRecord(id int, name string, score, position, validations int) string {
	v := make([]map[string]string, validations)
	for i := range v {
		v[i] = map[string]string{"id_challenge": strconv.Itoa(i + 1)}
	}
	b, _ := json.Marshal(map[string]interface{}{
		"id_auteur":   strconv.Itoa(id),
		"nom":         name,
		"score":       strconv.Itoa(score),
		"position":    position,
		"validations": v,
	})
	return string(b)
}

func newTestClient(t *testing.T, site *fakeSite, est EstimatorConfig) *Client {
	t.Helper()
	c, err := New(Config{
		APIURL:     testAPI,
		SiteURL:    testSite,
		Credential: Credential{Login: "bot", Password: "hunter2"},
		Locales:    []string{"fr", "en"},
		Estimator:  est,
	}, site)
	if err != nil {
		t.Fatalf("creating client: %v", err)
	}
	return c
}
