package profile

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tabtuner/tabtuner/internal/config"
)

// redirectTimeout bounds the single HEAD request used to re-resolve a
// generic match through one redirect.
const redirectTimeout = 3 * time.Second

// Resolver maps channels, URLs, and explicit names to profiles. It is
// seeded with the built-ins and the configured channel list; a
// profiles file can layer user profiles on top at runtime.
type Resolver struct {
	mu       sync.RWMutex
	profiles map[string]Profile // built-ins shadowed by file profiles
	fromFile map[string]bool
	channels map[string]config.ChannelConfig // lowercase channel name

	httpc  *http.Client
	logger *slog.Logger
}

// NewResolver builds a resolver over the configured channels.
func NewResolver(channels []config.ChannelConfig, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		profiles: make(map[string]Profile),
		fromFile: make(map[string]bool),
		channels: make(map[string]config.ChannelConfig, len(channels)),
		httpc: &http.Client{
			Timeout: redirectTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger.With("component", "profiles"),
	}
	for _, p := range builtins() {
		r.profiles[p.Name] = p
	}
	for _, ch := range channels {
		r.channels[strings.ToLower(ch.Name)] = ch
	}
	return r
}

// ByName returns the named profile.
func (r *Resolver) ByName(name string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[strings.ToLower(name)]
	return p, ok
}

// ForChannel resolves a configured channel: its explicit profile name
// if set, otherwise its URL's domain.
func (r *Resolver) ForChannel(channel string) Profile {
	r.mu.RLock()
	ch, ok := r.channels[strings.ToLower(channel)]
	r.mu.RUnlock()
	if !ok {
		return r.generic()
	}
	if ch.Profile != "" {
		if p, ok := r.ByName(ch.Profile); ok {
			return p
		}
		r.logger.Warn("channel references unknown profile",
			"channel", ch.Name, "profile", ch.Profile)
	}
	return r.ForURL(ch.URL)
}

// ForURL resolves by the URL's host against profile domain lists.
func (r *Resolver) ForURL(rawURL string) Profile {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return r.generic()
	}
	host := strings.ToLower(u.Hostname())

	r.mu.RLock()
	defer r.mu.RUnlock()
	// File profiles win over built-ins when both claim a domain.
	var match *Profile
	var matchFromFile bool
	for name := range r.profiles {
		p := r.profiles[name]
		if !domainsMatch(p.Domains, host) {
			continue
		}
		if match == nil || (r.fromFile[name] && !matchFromFile) {
			match = &p
			matchFromFile = r.fromFile[name]
		}
	}
	if match != nil {
		return *match
	}
	return r.profiles[GenericName]
}

// Resolve applies the full lookup order for one stream request:
// explicit override name, then channel, then URL; when the result is
// still generic, one HEAD redirect is followed and the destination is
// re-resolved.
func (r *Resolver) Resolve(ctx context.Context, channel, rawURL, override string) Profile {
	if override != "" {
		if p, ok := r.ByName(override); ok {
			return p
		}
		r.logger.Warn("unknown profile override, falling through", "profile", override)
	}

	var p Profile
	if channel != "" {
		p = r.ForChannel(channel)
	} else {
		p = r.ForURL(rawURL)
	}
	if !p.IsGeneric() {
		return p
	}

	if redirected := r.resolveThroughRedirect(ctx, rawURL); redirected != nil {
		return *redirected
	}
	return p
}

// resolveThroughRedirect issues one HEAD request without following
// redirects; if the server answers with a Location whose domain maps
// to a non-generic profile, that profile is returned.
func (r *Resolver) resolveThroughRedirect(ctx context.Context, rawURL string) *Profile {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, redirectTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return nil
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		r.logger.Debug("redirect probe failed", "url", rawURL, "error", err)
		return nil
	}
	defer resp.Body.Close()

	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil
	}
	dest, err := u.Parse(loc)
	if err != nil {
		return nil
	}
	p := r.ForURL(dest.String())
	if p.IsGeneric() {
		return nil
	}
	r.logger.Debug("resolved profile through redirect",
		"url", rawURL, "destination", dest.String(), "profile", p.Name)
	return &p
}

// Names returns all known profile names, built-in and file-loaded.
func (r *Resolver) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.profiles))
	for name := range r.profiles {
		names = append(names, name)
	}
	return names
}

func (r *Resolver) generic() Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profiles[GenericName]
}

func domainsMatch(domains []string, host string) bool {
	for _, d := range domains {
		d = strings.ToLower(d)
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
