package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
)

// ProfileEnv selects the deployment profile, overriding Config.Profile.
const ProfileEnv = "EVENTD_PROFILE"

var ErrUnknownProfile = errors.New("unknown profile")

// ActiveProfile is EVENTD_PROFILE if set, else cfg.Profile.
func (c *Config) ActiveProfile() string {
	if v := strings.TrimSpace(os.Getenv(ProfileEnv)); v != "" {
		return v
	}
	return strings.TrimSpace(c.Profile)
}

// ProfileNames lists the configured profiles, sorted.
func (c *Config) ProfileNames() []string {
	out := make([]string, 0, len(c.Profiles))
	for k := range c.Profiles {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ResolveDatabase overlays the named profile on the base database section.
// An empty name returns the base section.
func (c *Config) ResolveDatabase(profile string) (DatabaseConfig, error) {
	db := c.Database
	if profile == "" {
		return db, nil
	}
	p, ok := c.Profiles[profile]
	if !ok {
		return DatabaseConfig{}, fmt.Errorf("profile %q (have %s): %w", profile, strings.Join(c.ProfileNames(), ","), ErrUnknownProfile)
	}
	o := p.Database
	if o.Host != "" {
		db.Host = o.Host
	}
	if o.Port != 0 {
		db.Port = o.Port
	}
	if o.Name != "" {
		db.Name = o.Name
	}
	if o.User != "" {
		db.User = o.User
	}
	if o.Password != "" {
		db.Password = o.Password
	}
	if o.SSLMode != "" {
		db.SSLMode = o.SSLMode
	}
	if o.ConnectTimeout != "" {
		db.ConnectTimeout = o.ConnectTimeout
	}
	return db, nil
}

// Configured reports whether a host is set.
func (d DatabaseConfig) Configured() bool { return strings.TrimSpace(d.Host) != "" }

// URL renders a postgres connection string.
func (d DatabaseConfig) URL() string {
	port := d.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(port)),
		Path:   "/" + d.Name,
	}
	if d.User != "" {
		if d.Password != "" {
			u.User = url.UserPassword(d.User, d.Password)
		} else {
			u.User = url.User(d.User)
		}
	}
	q := url.Values{}
	if d.SSLMode != "" {
		q.Set("sslmode", d.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Redacted is URL without the password, for logs.
func (d DatabaseConfig) Redacted() string {
	d.Password = ""
	return d.URL()
}
