package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// HTTPDirectory resolves users from the external user service's REST surface
// (GET {baseURL}/users/{id}).
type HTTPDirectory struct {
	baseURL string
	client  *http.Client
}

func NewHTTPDirectory(baseURL string, timeout time.Duration) *HTTPDirectory {
	return &HTTPDirectory{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

var _ Directory = (*HTTPDirectory)(nil)

func (d *HTTPDirectory) FetchUser(ctx context.Context, identity string) (*User, bool, error) {
	endpoint := d.baseURL + "/users/" + url.PathEscape(identity)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build directory request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("directory lookup for %s: %w", identity, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var user User
		if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
			return nil, false, fmt.Errorf("decode directory response for %s: %w", identity, err)
		}
		return &user, true, nil
	case http.StatusNotFound:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("directory lookup for %s: unexpected status %d", identity, resp.StatusCode)
	}
}

// StaticDirectory serves a fixed user set. Used in tests and single-box
// deployments without a user service.
type StaticDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewStaticDirectory(users ...User) *StaticDirectory {
	d := &StaticDirectory{users: make(map[string]User, len(users))}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

var _ Directory = (*StaticDirectory)(nil)

func (d *StaticDirectory) FetchUser(_ context.Context, identity string) (*User, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	user, ok := d.users[identity]
	if !ok {
		return nil, false, nil
	}
	return &user, true, nil
}

func (d *StaticDirectory) Put(user User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[user.ID] = user
}
