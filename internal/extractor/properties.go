package extractor

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"datastore/pkg/domain"
)

// ReadProperties reads a sidecar properties file. The format follows the
// extension: .tsv and .properties hold "code<TAB>value" lines with an
// optional "property<TAB>value" header, .toml and .yaml/.yml hold a flat
// table. A missing file yields no properties.
func ReadProperties(path string) ([]domain.Property, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.EnvironmentError.New("read properties %s: %v", path, err)
	}
	name := filepath.Base(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		var table map[string]any
		if err := toml.Unmarshal(data, &table); err != nil {
			return nil, domain.UserError.New("malformed properties file '%s': %v", name, err)
		}
		return fromTable(table), nil
	case ".yaml", ".yml":
		var table map[string]any
		if err := yaml.Unmarshal(data, &table); err != nil {
			return nil, domain.UserError.New("malformed properties file '%s': %v", name, err)
		}
		return fromTable(table), nil
	default:
		return parseTabular(name, data)
	}
}

func parseTabular(name string, data []byte) ([]domain.Property, error) {
	var props []domain.Property
	scanner := bufio.NewScanner(bytes.NewReader(data))
	line, seen := 0, false
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" || strings.HasPrefix(strings.TrimSpace(text), "#") {
			continue
		}
		key, value, ok := strings.Cut(text, "\t")
		if !ok {
			return nil, domain.UserError.New("malformed properties file '%s': line %d has no tab", name, line)
		}
		first := !seen
		seen = true
		if first && strings.EqualFold(strings.TrimSpace(key), "property") && strings.EqualFold(strings.TrimSpace(value), "value") {
			continue
		}
		props = append(props, domain.Property{Code: domain.NormalizeCode(key), Value: strings.TrimSpace(value)})
	}
	if err := scanner.Err(); err != nil {
		return nil, domain.UserError.New("malformed properties file '%s': %v", name, err)
	}
	return props, nil
}

func fromTable(table map[string]any) []domain.Property {
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	props := make([]domain.Property, 0, len(keys))
	for _, k := range keys {
		props = append(props, domain.Property{Code: domain.NormalizeCode(k), Value: fmt.Sprint(table[k])})
	}
	return props
}
