package il2patch

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
	"howett.net/plist"
)

const defaultLabel = "No description"

// Format identifies a descriptor document encoding
type Format int

const (
	FormatUnknown Format = iota
	FormatXML
	FormatYAML
	FormatPlist
)

func (f Format) String() string {
	switch f {
	case FormatXML:
		return "xml"
	case FormatYAML:
		return "yaml"
	case FormatPlist:
		return "plist"
	}
	return "unknown"
}

// PatchDescriptor is a single find/replace rule scoped to one architecture
type PatchDescriptor struct {
	Arch    string
	Find    BytePattern
	Replace BytePattern
	Label   string
	Index   int // position in the source document
}

// NewDescriptor builds a descriptor from hex strings, enforcing equal pattern lengths
func NewDescriptor(arch, find, replace, label string) (PatchDescriptor, error) {
	return buildDescriptor(0, rawDescriptor{Arch: arch, Find: find, Replace: replace, Description: label})
}

// DescriptorSet is an ordered, architecture-grouped list of descriptors
type DescriptorSet struct {
	Source      string
	Format      Format
	Descriptors []PatchDescriptor
	// Skipped holds one *PatternDecodeError per rejected descriptor
	Skipped []error

	byArch    map[string][]PatchDescriptor
	archOrder []string
}

// NewDescriptorSet groups descriptors by architecture, keeping their order
func NewDescriptorSet(descs []PatchDescriptor) *DescriptorSet {
	s := &DescriptorSet{
		Descriptors: descs,
		byArch:      make(map[string][]PatchDescriptor),
	}
	for _, d := range descs {
		if _, ok := s.byArch[d.Arch]; !ok {
			s.archOrder = append(s.archOrder, d.Arch)
		}
		s.byArch[d.Arch] = append(s.byArch[d.Arch], d)
	}
	return s
}

// ForArch returns the descriptors for arch in document order, or nil
func (s *DescriptorSet) ForArch(arch string) []PatchDescriptor {
	if s == nil {
		return nil
	}
	return s.byArch[arch]
}

// Architectures returns the architectures named by the set, in first-seen order
func (s *DescriptorSet) Architectures() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.archOrder...)
}

// Len returns the number of accepted descriptors
func (s *DescriptorSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Descriptors)
}

type rawDescriptor struct {
	Arch        string `yaml:"arch" plist:"Arch"`
	Find        string `yaml:"find" plist:"Find"`
	Replace     string `yaml:"replace" plist:"Replace"`
	Description string `yaml:"description" plist:"Description"`
}

type xmlPatches struct {
	XMLName xml.Name   `xml:"Patches"`
	Patches []xmlPatch `xml:"Patch"`
}

type xmlPatch struct {
	Arch        string `xml:"arch,attr"`
	Find        string `xml:"Find"`
	Replace     string `xml:"Replace"`
	Description string `xml:"Description"`
}

type yamlPatches struct {
	Patches []rawDescriptor `yaml:"patches"`
}

type plistPatches struct {
	Patches []rawDescriptor `plist:"Patches"`
}

// LoadDescriptors reads a descriptor document from disk.
// A missing file yields ErrInputNotFound; an unparsable document yields ErrDescriptorSource.
// Individual malformed descriptors are skipped and listed in DescriptorSet.Skipped.
func LoadDescriptors(path string) (*DescriptorSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: patch file %s", ErrInputNotFound, path)
		}
		return nil, fmt.Errorf("failed to read patch file: %w", err)
	}

	set, err := ParseDescriptors(data, formatFromPath(path, data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	set.Source = path
	return set, nil
}

// ParseDescriptors decodes a descriptor document of the given format
func ParseDescriptors(data []byte, format Format) (*DescriptorSet, error) {
	if format == FormatUnknown {
		format = sniffFormat(data)
	}

	var raws []rawDescriptor
	switch format {
	case FormatXML:
		var doc xmlPatches
		if err := xml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDescriptorSource, err)
		}
		for _, p := range doc.Patches {
			raws = append(raws, rawDescriptor(p))
		}
	case FormatYAML:
		var doc yamlPatches
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDescriptorSource, err)
		}
		raws = doc.Patches
	case FormatPlist:
		var doc plistPatches
		if _, err := plist.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDescriptorSource, err)
		}
		raws = doc.Patches
	default:
		return nil, fmt.Errorf("%w: unsupported format", ErrDescriptorSource)
	}

	var descs []PatchDescriptor
	var skipped []error
	for i, raw := range raws {
		d, err := buildDescriptor(i, raw)
		if err != nil {
			skipped = append(skipped, err)
			continue
		}
		descs = append(descs, d)
	}

	set := NewDescriptorSet(descs)
	set.Format = format
	set.Skipped = skipped
	return set, nil
}

func buildDescriptor(index int, raw rawDescriptor) (PatchDescriptor, error) {
	arch := strings.TrimSpace(raw.Arch)
	if arch == "" {
		return PatchDescriptor{}, &PatternDecodeError{Index: index, Reason: "missing architecture"}
	}

	find, err := ParsePattern(raw.Find)
	if err != nil {
		return PatchDescriptor{}, &PatternDecodeError{Index: index, Field: "find", Input: raw.Find, Reason: decodeReason(err)}
	}
	replace, err := ParsePattern(raw.Replace)
	if err != nil {
		return PatchDescriptor{}, &PatternDecodeError{Index: index, Field: "replace", Input: raw.Replace, Reason: decodeReason(err)}
	}
	if find.Len() != replace.Len() {
		return PatchDescriptor{}, &PatternDecodeError{Index: index, Field: "replace", Input: raw.Replace, Reason: ErrLengthMismatch.Error()}
	}

	label := strings.TrimSpace(raw.Description)
	if label == "" {
		label = defaultLabel
	}

	return PatchDescriptor{
		Arch:    arch,
		Find:    find,
		Replace: replace,
		Label:   label,
		Index:   index,
	}, nil
}

func decodeReason(err error) string {
	return strings.TrimPrefix(err.Error(), ErrPatternDecode.Error()+": ")
}

func formatFromPath(path string, data []byte) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xml":
		if bytes.Contains(data, []byte("<plist")) {
			return FormatPlist
		}
		return FormatXML
	case ".yaml", ".yml":
		return FormatYAML
	case ".plist":
		return FormatPlist
	}
	return sniffFormat(data)
}

func sniffFormat(data []byte) Format {
	trimmed := bytes.TrimSpace(data)
	if !bytes.HasPrefix(trimmed, []byte("<")) {
		return FormatYAML
	}
	if bytes.Contains(trimmed, []byte("<plist")) {
		return FormatPlist
	}
	return FormatXML
}

// FindPatchFile returns the first descriptor document in dir that holds at least one patch.
// Files whose name contains "config" are ignored.
func FindPatchFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read directory: %w", err)
	}

	var candidates []string
	for _, e := range entries {
		if e.IsDir() || strings.Contains(strings.ToLower(e.Name()), "config") {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".xml", ".yaml", ".yml", ".plist":
			candidates = append(candidates, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(candidates)

	for _, path := range candidates {
		set, err := LoadDescriptors(path)
		if err != nil {
			continue
		}
		if set.Len() > 0 || len(set.Skipped) > 0 {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: no patch file in %s", ErrInputNotFound, dir)
}
