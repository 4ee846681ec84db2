package otf

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"emworker/internal/services"
)

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// substitute replaces {key} placeholders with values from the acquisition
// record. Unknown placeholders are left untouched so misconfigurations are
// visible in the written file.
func substitute(value string, acquisition map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(value, func(match string) string {
		key := match[1 : len(match)-1]
		if replacement, ok := acquisition[key]; ok {
			return replacement
		}
		return match
	})
}

func substituteAll(options, acquisition map[string]string) map[string]string {
	out := make(map[string]string, len(options))
	for key, value := range options {
		out[key] = substitute(value, acquisition)
	}
	return out
}

// writeRelionOptions writes the key-value options file the Relion pipeline
// reads, one python assignment per line, keys sorted for stable output.
func writeRelionOptions(path string, options map[string]string) error {
	keys := make([]string, 0, len(options))
	for key := range options {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("# Options for automated preprocessing.\n")
	for _, key := range keys {
		b.WriteString(fmt.Sprintf("%s = %s\n", key, pythonLiteral(options[key])))
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return services.Wrap(services.ErrTransient, "otf", "write relion options", path, err)
	}
	return nil
}

func pythonLiteral(value string) string {
	if _, err := strconv.ParseFloat(value, 64); err == nil {
		return value
	}
	switch strings.ToLower(value) {
	case "true":
		return "True"
	case "false":
		return "False"
	}
	return "'" + strings.ReplaceAll(value, "'", "\\'") + "'"
}

// writeScipionOptions writes the JSON blob the Scipion pipeline reads,
// merging the engine options with the acquisition parameters.
func writeScipionOptions(path string, options, acquisition map[string]string) error {
	doc := map[string]any{
		"options":     options,
		"acquisition": acquisition,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return services.Wrap(services.ErrContract, "otf", "encode scipion options", path, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return services.Wrap(services.ErrTransient, "otf", "write scipion options", path, err)
	}
	return nil
}

// writeReadme writes the human-readable project summary that operators read
// first when inspecting a project by hand.
func writeReadme(spec ProjectSpec, gainName string) error {
	titler := cases.Title(language.English)
	var b strings.Builder

	section := func(name string, fields [][2]string) {
		b.WriteString("[" + titler.String(name) + "]\n")
		for _, field := range fields {
			if field[1] != "" {
				b.WriteString(fmt.Sprintf("%s = %s\n", field[0], field[1]))
			}
		}
		b.WriteString("\n")
	}

	section("session", [][2]string{
		{"session", spec.SessionName},
		{"group", spec.Group},
		{"user", spec.User},
		{"operator", spec.Operator},
		{"microscope", spec.Microscope},
		{"raw_data", spec.RawPath},
		{"created", time.Now().Format("2006-01-02 15:04:05")},
	})

	acqFields := make([][2]string, 0, len(spec.Acquisition))
	acqKeys := make([]string, 0, len(spec.Acquisition))
	for key := range spec.Acquisition {
		acqKeys = append(acqKeys, key)
	}
	sort.Strings(acqKeys)
	for _, key := range acqKeys {
		acqFields = append(acqFields, [2]string{key, spec.Acquisition[key]})
	}
	section("acquisition", acqFields)

	section("preprocessing", [][2]string{
		{"workflow", spec.Workflow},
		{"gain", gainName},
		{"picking_model", spec.CryoloModel},
	})

	path := filepath.Join(spec.OTFPath, "README.txt")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return services.Wrap(services.ErrTransient, "otf", "write readme", path, err)
	}
	return nil
}
