// Package validation checks incoming datasets against per dataset type
// rules before they are stored.
package validation

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
	glob "github.com/pachyderm/ohmyglob"

	"datastore/pkg/domain"
)

// Error is one failed check.
type Error struct {
	File    string
	Message string
	Code    string
}

func (e Error) String() string {
	if e.File == "" {
		return e.Code + ": " + e.Message
	}
	return e.Code + ": " + e.File + ": " + e.Message
}

// Check codes.
const (
	CodeEmpty        = "empty"
	CodeMissingFile  = "missing-file"
	CodeSizeExceeded = "size-exceeded"
)

// RuleConfig holds the checks applied to dataset types matching DataSetType.
type RuleConfig struct {
	DataSetType   string   `mapstructure:"data-set-type"`
	RequiredFiles []string `mapstructure:"required-files"`
	MaxTotalSize  string   `mapstructure:"max-total-size"`
	NonEmpty      bool     `mapstructure:"non-empty"`
}

// Validator checks one incoming dataset.
type Validator interface {
	Validate(ctx context.Context, dataSetType, incoming string) error
}

type rule struct {
	pattern  *regexp.Regexp
	required []requiredFile
	maxSize  uint64
	nonEmpty bool
}

// requiredFile is a compiled glob over forward slash paths relative to the
// incoming item. A pattern without '/' also matches base names at any depth.
type requiredFile struct {
	pattern  string
	match    func(string) bool
	baseName bool
}

func (f requiredFile) matchAny(files []string) bool {
	for _, name := range files {
		if f.match(name) {
			return true
		}
		if f.baseName && f.match(path.Base(name)) {
			return true
		}
	}
	return false
}

// Registry applies every rule whose type pattern matches.
type Registry struct {
	rules []rule
}

// New compiles rules. An empty rule set accepts everything.
func New(cfgs []RuleConfig) (*Registry, error) {
	r := &Registry{}
	for _, cfg := range cfgs {
		pattern := cfg.DataSetType
		if pattern == "" {
			pattern = ".*"
		}
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			return nil, domain.ConfigurationError.New("validation rule %q: %v", cfg.DataSetType, err)
		}
		required := make([]requiredFile, 0, len(cfg.RequiredFiles))
		for _, pattern := range cfg.RequiredFiles {
			pattern = strings.TrimPrefix(filepath.ToSlash(pattern), "/")
			g, err := glob.Compile(pattern, '/')
			if err != nil {
				return nil, domain.ConfigurationError.New("validation rule %q: bad glob %q: %v", cfg.DataSetType, pattern, err)
			}
			required = append(required, requiredFile{pattern: pattern, match: g.Match, baseName: !strings.Contains(pattern, "/")})
		}
		var maxSize uint64
		if cfg.MaxTotalSize != "" {
			if maxSize, err = humanize.ParseBytes(cfg.MaxTotalSize); err != nil {
				return nil, domain.ConfigurationError.New("validation rule %q: max-total-size: %v", cfg.DataSetType, err)
			}
		}
		r.rules = append(r.rules, rule{pattern: re, required: required, maxSize: maxSize, nonEmpty: cfg.NonEmpty})
	}
	return r, nil
}

// Validate returns a user error listing every failed check.
func (r *Registry) Validate(ctx context.Context, dataSetType, incoming string) error {
	var applicable []rule
	for _, ru := range r.rules {
		if ru.pattern.MatchString(domain.NormalizeCode(dataSetType)) {
			applicable = append(applicable, ru)
		}
	}
	if len(applicable) == 0 {
		return nil
	}
	files, total, err := inventory(ctx, incoming)
	if err != nil {
		return domain.EnvironmentError.New("scan %s: %v", incoming, err)
	}
	var failures []Error
	for _, ru := range applicable {
		failures = append(failures, ru.check(files, total)...)
	}
	if len(failures) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(failures))
	for _, f := range failures {
		msgs = append(msgs, f.String())
	}
	return domain.UserError.New("data set '%s' of type %s failed validation: %s", filepath.Base(incoming), dataSetType, strings.Join(msgs, "; "))
}

func (ru rule) check(files []string, total uint64) []Error {
	var out []Error
	if ru.nonEmpty && len(files) == 0 {
		out = append(out, Error{Code: CodeEmpty, Message: "data set contains no files"})
	}
	for _, req := range ru.required {
		if !req.matchAny(files) {
			out = append(out, Error{Code: CodeMissingFile, File: req.pattern, Message: "no file matches"})
		}
	}
	if ru.maxSize > 0 && total > ru.maxSize {
		out = append(out, Error{
			Code:    CodeSizeExceeded,
			Message: fmt.Sprintf("total size %s exceeds %s", humanize.Bytes(total), humanize.Bytes(ru.maxSize)),
		})
	}
	return out
}

// inventory lists regular files relative to incoming with forward slashes.
func inventory(ctx context.Context, incoming string) ([]string, uint64, error) {
	var files []string
	var total uint64
	err := filepath.WalkDir(incoming, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(incoming, p)
		if err != nil {
			return err
		}
		if rel == "." {
			rel = filepath.Base(p)
		}
		files = append(files, filepath.ToSlash(rel))
		total += uint64(info.Size())
		return nil
	})
	return files, total, err
}
