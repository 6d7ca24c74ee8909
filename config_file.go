package dbclient

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/chaitin/dbclient-go/misc"
)

// Environment variables applied on top of a loaded config file.
const (
	EnvURL      = "DBCLIENT_URL"
	EnvUsername = "DBCLIENT_USERNAME"
	EnvPassword = "DBCLIENT_PASSWORD"
)

// FileConfig is the content of a datasource config file.
type FileConfig struct {
	Client      ClientConfig
	PoolOptions *PoolOptions
}

// LoadConfigFile reads a YAML (.yaml, .yml) or TOML (.toml) file of the form
//
//	client:
//	  url: jdbc:mysql://app@db.internal:3306/orders
//	pool_options:
//	  max_active: 20
//
// A file without a client section is read as the client record itself.
// DBCLIENT_URL, DBCLIENT_USERNAME and DBCLIENT_PASSWORD override the
// matching client fields.
func LoadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, misc.ErrorWrap(err, "read config file")
	}
	raw, err := decodeConfig(filepath.Ext(path), data)
	if err != nil {
		return nil, err
	}
	return parseFileConfig(raw)
}

func decodeConfig(ext string, data []byte) (map[string]interface{}, error) {
	raw := map[string]interface{}{}
	var err error
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".toml":
		err = toml.Unmarshal(data, &raw)
	default:
		return nil, configError("unsupported config file extension %q", ext)
	}
	if err != nil {
		return nil, newError("load config", ErrInvalidConfiguration, err)
	}
	return raw, nil
}

func parseFileConfig(raw map[string]interface{}) (*FileConfig, error) {
	var global map[string]interface{}
	if v, ok := lookup(raw, "pool_options", "poolOptions", "global_pool_options"); ok && v != nil {
		m, ok := toMap(v)
		if !ok {
			return nil, configError("pool_options: expected record, got %T", v)
		}
		global = m
	}

	var client map[string]interface{}
	if v, ok := lookup(raw, "client", "datasource"); ok {
		m, ok := toMap(v)
		if !ok {
			return nil, configError("client: expected record, got %T", v)
		}
		client = m
	} else {
		// 顶层即客户端配置，全局连接池配置不算在内
		client = make(map[string]interface{}, len(raw))
		for k, v := range raw {
			switch k {
			case "pool_options", "poolOptions", "global_pool_options":
				continue
			}
			client[k] = v
		}
	}
	applyEnvOverrides(client)

	cfg, err := ParseConfig(client)
	if err != nil {
		return nil, err
	}
	opts, err := ParsePoolOptions(global)
	if err != nil {
		return nil, err
	}
	return &FileConfig{Client: cfg, PoolOptions: opts}, nil
}

func applyEnvOverrides(client map[string]interface{}) {
	if v := os.Getenv(EnvURL); v != "" {
		client["url"] = v
	}
	if v := os.Getenv(EnvUsername); v != "" {
		delete(client, "user")
		client["username"] = v
	}
	if v := os.Getenv(EnvPassword); v != "" {
		client["password"] = v
	}
}
