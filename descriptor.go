package dbclient

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Default pool settings, applied when the matching option is unset.
const (
	DefaultMinIdle          = 0
	DefaultMaxActive        = 10
	DefaultMaxWait          = 30 * time.Second
	DefaultIdleTimeout      = 10 * time.Minute
	DefaultEvictionInterval = 30 * time.Second
)

// Supported driver names after alias resolution.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var driverAliases = map[string]string{
	"mysql":      DriverMySQL,
	"mariadb":    DriverMySQL,
	"postgres":   DriverPostgres,
	"postgresql": DriverPostgres,
	"pgsql":      DriverPostgres,
	"sqlite":     DriverSQLite,
	"sqlite3":    DriverSQLite,
}

var defaultPorts = map[string]int{
	DriverMySQL:    3306,
	DriverPostgres: 5432,
}

// PoolSettings is the resolved form of PoolOptions. It is comparable.
type PoolSettings struct {
	MinIdle          int
	MaxActive        int
	MaxWait          time.Duration
	IdleTimeout      time.Duration
	EvictionInterval time.Duration
	ValidationQuery  string
}

// DefaultPoolSettings returns the settings used when no option is given.
func DefaultPoolSettings() PoolSettings {
	return PoolSettings{
		MinIdle:          DefaultMinIdle,
		MaxActive:        DefaultMaxActive,
		MaxWait:          DefaultMaxWait,
		IdleTimeout:      DefaultIdleTimeout,
		EvictionInterval: DefaultEvictionInterval,
	}
}

// Validate checks the settings invariants.
func (s PoolSettings) Validate() error {
	if s.MaxActive < 1 {
		return configError("maxActive must be at least 1, got %d", s.MaxActive)
	}
	if s.MinIdle < 0 {
		return configError("minIdle must not be negative, got %d", s.MinIdle)
	}
	if s.MinIdle > s.MaxActive {
		return configError("minIdle %d exceeds maxActive %d", s.MinIdle, s.MaxActive)
	}
	if s.MaxWait < 0 || s.IdleTimeout < 0 || s.EvictionInterval < 0 {
		return configError("pool durations must not be negative")
	}
	return nil
}

func resolvePoolSettings(o PoolOptions) (PoolSettings, error) {
	s := DefaultPoolSettings()
	if o.MinIdle != nil {
		s.MinIdle = *o.MinIdle
	}
	if o.MaxActive != nil {
		s.MaxActive = *o.MaxActive
	}
	millis := func(dst *time.Duration, v *int64, name string) error {
		if v == nil {
			return nil
		}
		if *v < 0 {
			return configError("%s must not be negative, got %d", name, *v)
		}
		if *v > int64(time.Duration(1<<63-1)/time.Millisecond) {
			return configError("%s out of range: %d", name, *v)
		}
		*dst = time.Duration(*v) * time.Millisecond
		return nil
	}
	if err := millis(&s.MaxWait, o.MaxWaitMillis, "maxWaitMillis"); err != nil {
		return s, err
	}
	if err := millis(&s.IdleTimeout, o.IdleTimeoutMillis, "idleTimeoutMillis"); err != nil {
		return s, err
	}
	if err := millis(&s.EvictionInterval, o.EvictionIntervalMillis, "evictionIntervalMillis"); err != nil {
		return s, err
	}
	if o.ValidationQuery != nil {
		s.ValidationQuery = strings.TrimSpace(*o.ValidationQuery)
	}
	return s, s.Validate()
}

// Descriptor 规范化后的连接描述，可直接作为 map 的键
type Descriptor struct {
	Driver   string
	Host     string
	Port     int
	Database string
	Username string
	Password string
	// Options 按键排序后的 k=v&k=v 形式
	Options string
	Pool    PoolSettings
}

// Key returns the canonical encoding of d. Equal descriptors have equal keys.
func (d Descriptor) Key() string {
	var b strings.Builder
	b.WriteString(d.Driver)
	b.WriteString("\x00")
	b.WriteString(d.Host)
	b.WriteString("\x00")
	b.WriteString(strconv.Itoa(d.Port))
	b.WriteString("\x00")
	b.WriteString(d.Database)
	b.WriteString("\x00")
	b.WriteString(d.Username)
	b.WriteString("\x00")
	b.WriteString(d.Password)
	b.WriteString("\x00")
	b.WriteString(d.Options)
	b.WriteString("\x00")
	fmt.Fprintf(&b, "%d/%d/%d/%d/%d/%s",
		d.Pool.MinIdle, d.Pool.MaxActive, d.Pool.MaxWait, d.Pool.IdleTimeout,
		d.Pool.EvictionInterval, d.Pool.ValidationQuery)
	return b.String()
}

// Fingerprint is a short hash of Key, safe to log.
func (d Descriptor) Fingerprint() string {
	return strconv.FormatUint(xxhash.Sum64String(d.Key()), 16)
}

// Address returns host:port, or the database path for file based drivers.
func (d Descriptor) Address() string {
	if d.Host == "" {
		return d.Database
	}
	if d.Port == 0 {
		return d.Host
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// OptionValues decodes Options.
func (d Descriptor) OptionValues() url.Values {
	v, _ := url.ParseQuery(d.Options)
	return v
}

// String renders d without the password.
func (d Descriptor) String() string {
	user := d.Username
	if d.Password != "" {
		user += ":***"
	}
	if user != "" {
		user += "@"
	}
	s := fmt.Sprintf("%s://%s%s/%s", d.Driver, user, d.Address(), d.Database)
	if d.Driver == DriverSQLite {
		s = fmt.Sprintf("%s://%s", d.Driver, d.Database)
	}
	if d.Options != "" {
		s += "?" + d.Options
	}
	return s
}

// Normalize 校验配置并生成规范化的 Descriptor
// global 为全局连接池配置，cfg.PoolOptions 中已设置的字段优先
func Normalize(cfg ClientConfig, global *PoolOptions) (Descriptor, error) {
	var d Descriptor

	opts := url.Values{}
	driverName := cfg.Driver
	host, database, username, password := cfg.Host, cfg.Database, cfg.Username, cfg.Password
	port := cfg.Port

	if cfg.URL != "" {
		u, err := parseDatasourceURL(cfg.URL)
		if err != nil {
			return d, err
		}
		if driverName == "" {
			driverName = u.driver
		} else if canonicalDriver(driverName) != canonicalDriver(u.driver) {
			return d, configError("driver %q conflicts with url scheme %q", driverName, u.driver)
		}
		if host == "" {
			host = u.host
		}
		if port == 0 {
			port = u.port
		}
		if database == "" {
			database = u.database
		}
		if username == "" {
			username = u.username
			if password == "" {
				password = u.password
			}
		}
		for k, vs := range u.options {
			opts[k] = append(opts[k], vs...)
		}
	}

	d.Driver = canonicalDriver(driverName)
	if d.Driver == "" {
		if driverName == "" {
			return d, configError("driver or url is required")
		}
		return d, configError("unsupported driver %q", driverName)
	}

	if d.Driver == DriverSQLite {
		if database == "" {
			return d, configError("sqlite requires a database path")
		}
		host, port = "", 0
	} else {
		if host == "" {
			return d, configError("host or url is required")
		}
		if port == 0 {
			port = defaultPorts[d.Driver]
		}
	}
	if port < 0 || port > 65535 {
		return d, configError("port %d out of range", port)
	}
	if password != "" && username == "" {
		return d, configError("password given without username")
	}
	if strings.ContainsAny(username, ":@/") {
		return d, configError("malformed username %q", username)
	}

	for k, v := range cfg.DBOptions {
		if k == "" {
			return d, configError("empty db option name")
		}
		opts.Set(k, fmt.Sprint(v))
	}

	merged := cfg.PoolOptions.merge(global)
	settings, err := resolvePoolSettings(merged)
	if err != nil {
		return d, err
	}

	d.Host = strings.ToLower(host)
	d.Port = port
	d.Database = database
	d.Username = username
	d.Password = password
	d.Options = canonicalOptions(opts)
	d.Pool = settings
	return d, nil
}

func canonicalDriver(name string) string {
	return driverAliases[strings.ToLower(strings.TrimSpace(name))]
}

// canonicalOptions encodes v sorted by key, with each key's values sorted.
func canonicalOptions(v url.Values) string {
	if len(v) == 0 {
		return ""
	}
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		vs := append([]string(nil), v[k]...)
		sort.Strings(vs)
		for _, val := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(val))
		}
	}
	return b.String()
}

type datasourceURL struct {
	driver   string
	host     string
	port     int
	database string
	username string
	password string
	options  url.Values
}

func parseDatasourceURL(raw string) (datasourceURL, error) {
	var out datasourceURL
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "jdbc:")

	// sqlite:path/to.db 与 sqlite:///abs/path 两种写法
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok || scheme == "" {
		return out, configError("url has no scheme")
	}
	if canonicalDriver(scheme) == DriverSQLite {
		out.driver = scheme
		rest = strings.TrimPrefix(rest, "//")
		path, query, _ := strings.Cut(rest, "?")
		out.database = path
		if query != "" {
			q, err := url.ParseQuery(query)
			if err != nil {
				return out, configError("malformed url query: %v", err)
			}
			out.options = q
		}
		return out, nil
	}

	u, err := url.Parse(s)
	if err != nil {
		if ue, ok := err.(*url.Error); ok {
			err = ue.Err
		}
		return out, configError("malformed url: %v", err)
	}
	out.driver = u.Scheme
	out.host = u.Hostname()
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return out, configError("url port %q is not a number", p)
		}
		out.port = n
	}
	out.database = strings.TrimPrefix(u.Path, "/")
	if u.User != nil {
		out.username = u.User.Username()
		out.password, _ = u.User.Password()
	}
	out.options = u.Query()
	return out, nil
}
