package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v2"

	"github.com/norasector/carp/pkg/digitiser"
)

// LoadParams reads a device or recording parameter file. YAML files are used
// as-is; anything else is read as INI where every value is a literal such as
// 'USB', 1, 0x32100000 or True. Sections only group keys and are flattened.
func LoadParams(path string) (digitiser.Params, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return loadYAMLParams(path)
	default:
		return loadINIParams(path)
	}
}

func loadYAMLParams(path string) (digitiser.Params, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading parameter file: %w", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(contents, &raw); err != nil {
		return nil, fmt.Errorf("error unmarshaling yaml file %s: %w", path, err)
	}

	params := make(digitiser.Params)
	for key, value := range raw {
		section, ok := value.(map[interface{}]interface{})
		if !ok {
			params[strings.ToLower(key)] = value
			continue
		}
		for k, v := range section {
			params[strings.ToLower(fmt.Sprint(k))] = v
		}
	}
	return params, nil
}

func loadINIParams(path string) (digitiser.Params, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	params := make(digitiser.Params)
	for _, section := range f.Sections() {
		for _, key := range section.Keys() {
			params[strings.ToLower(key.Name())] = parseLiteral(key.Value())
		}
	}
	return params, nil
}

// parseLiteral decodes a value written as a literal. Unquoted text that is
// not a number or boolean is kept as a string.
func parseLiteral(s string) interface{} {
	s = strings.TrimSpace(s)

	if len(s) >= 2 {
		switch {
		case s[0] == '"' && s[len(s)-1] == '"':
			if u, err := strconv.Unquote(s); err == nil {
				return u
			}
			return s[1 : len(s)-1]
		case s[0] == '\'' && s[len(s)-1] == '\'':
			return strings.ReplaceAll(s[1:len(s)-1], `\'`, `'`)
		}
	}

	switch s {
	case "True", "true":
		return true
	case "False", "false":
		return false
	case "None", "":
		return nil
	}

	if i, err := strconv.ParseInt(s, 0, 64); err == nil {
		return int(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
