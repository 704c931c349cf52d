package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// NodeConf describes one database endpoint. Either DSN is set verbatim or the
// structured fields are used to build a libpq style keyword/value string.
type NodeConf struct {
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Db       string `yaml:"db"`
	Sslmode  string `yaml:"sslmode"`
	TimeZone string `yaml:"timeZone"` // e.g. Asia/Shanghai
}

// UnmarshalYAML accepts a plain string as a shorthand for {dsn: ...}.
func (n *NodeConf) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		n.DSN = value.Value
		return nil
	}
	type plain NodeConf
	return value.Decode((*plain)(n))
}

// ConnectionString returns the DSN of the node.
func (n *NodeConf) ConnectionString() string {
	if n == nil {
		return ""
	}
	if n.DSN != "" {
		return n.DSN
	}
	if n.Host == "" {
		return ""
	}

	parts := []string{"host=" + quote(n.Host)}
	if n.Port != 0 {
		parts = append(parts, fmt.Sprintf("port=%d", n.Port))
	}
	for _, kv := range [][2]string{
		{"user", n.User},
		{"password", n.Password},
		{"dbname", n.Db},
		{"sslmode", n.Sslmode},
		{"TimeZone", n.TimeZone},
	} {
		if kv[1] != "" {
			parts = append(parts, kv[0]+"="+quote(kv[1]))
		}
	}
	return strings.Join(parts, " ")
}

func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, " '\\\t") {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
