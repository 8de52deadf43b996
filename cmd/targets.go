package main

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/listing-evidence/internal/model"
)

// targetsFile accepts either a bare list or a document with a targets key.
// JSON input parses as YAML.
type targetsFile struct {
	Targets []model.Target `yaml:"targets"`
}

func loadTargets(path string) ([]model.Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "targets: read %s", path)
	}
	return parseTargets(data)
}

func parseTargets(data []byte) ([]model.Target, error) {
	var list []model.Target
	if err := yaml.Unmarshal(data, &list); err == nil {
		return cleanTargets(list)
	}
	var doc targetsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, eris.Wrap(err, "targets: parse")
	}
	return cleanTargets(doc.Targets)
}

func cleanTargets(in []model.Target) ([]model.Target, error) {
	out := make([]model.Target, 0, len(in))
	for i, t := range in {
		t.Address = strings.TrimSpace(t.Address)
		if t.ID() == "" {
			return nil, eris.Errorf("targets: entry %d has no usable address", i)
		}
		out = append(out, t)
	}
	return out, nil
}

// parseSourceIDs turns repeated site=id flags into a map.
func parseSourceIDs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		site, id, ok := strings.Cut(p, "=")
		site, id = strings.TrimSpace(site), strings.TrimSpace(id)
		if !ok || site == "" || id == "" {
			return nil, eris.Errorf("targets: invalid source id %q (want site=id)", p)
		}
		out[site] = id
	}
	return out, nil
}

// collectTargets merges --address flags with the --targets file, keeping
// the first occurrence of each target id.
func collectTargets(addresses, sourceIDs []string, file string) ([]model.Target, error) {
	ids, err := parseSourceIDs(sourceIDs)
	if err != nil {
		return nil, err
	}

	var all []model.Target
	for _, a := range addresses {
		all = append(all, model.Target{Address: a, SourceIDs: ids})
	}
	if file != "" {
		fromFile, err := loadTargets(file)
		if err != nil {
			return nil, err
		}
		all = append(all, fromFile...)
	}
	all, err = cleanTargets(all)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(all))
	out := all[:0]
	for _, t := range all {
		if seen[t.ID()] {
			continue
		}
		seen[t.ID()] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, eris.New("targets: provide --address or --targets")
	}
	return out, nil
}
