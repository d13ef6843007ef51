package domain

import "time"

// RelayServer is one relay (TURN) or fallback (STUN) descriptor.
type RelayServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// RelayCredential is a time-boxed set of relay server descriptors.
// Never reuse past expiry; re-fetch instead.
type RelayCredential struct {
	Servers  []RelayServer `json:"servers"`
	TTL      time.Duration `json:"-"`
	IssuedAt time.Time     `json:"-"`
}

func (c *RelayCredential) Expired(now time.Time) bool {
	if c.TTL <= 0 {
		return false
	}
	return now.After(c.IssuedAt.Add(c.TTL))
}

// EphemeralKey is a single-use bearer token scoped to one signaling
// exchange. The server invalidates it after one use, successful or not.
type EphemeralKey struct {
	Value    string
	TTL      time.Duration
	IssuedAt time.Time
}

func (k *EphemeralKey) Preview() string {
	return TokenPreview(k.Value)
}
