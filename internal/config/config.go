// Package config loads the array/device configuration file mdctl reads to
// discover candidate devices and known array UUIDs when the caller gives
// no explicit device list, grounded on original_source/config.c's
// conf_word/conf_line tokenizer and devline/arrayline keyword handlers.
// Environment overlay (a .env file loaded with godotenv, then os.Getenv
// overrides) follows the pattern exercised by
// internal/config/config_load_test.go in the retrieved reference tree.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/google/uuid"

	"github.com/neilbrown/mdctl-go/internal/mdtypes"
)

// defaultConfFile is the path Load reads when it is given no path and
// MDCTL_CONF_FILE is unset.
var defaultConfFile = "/etc/mdctl.conf"

// ArrayEntry is one ARRAY line: a target md device plus the discriminators
// used to recognize its members.
type ArrayEntry struct {
	Device   string
	Identity mdtypes.ArrayIdentity
	// SpareGroup is the administrator-supplied tag Monitor uses to decide
	// which arrays may donate/receive spares (spec section 4.7). Not part
	// of the original config.c grammar; added here since spare migration
	// cannot work without it.
	SpareGroup string
}

// Config is the parsed, environment-overlaid configuration.
type Config struct {
	// DeviceGlobs lists DEVICE-line patterns (exact paths or globs) that
	// restrict which block devices Assemble considers when scanning.
	DeviceGlobs []string
	Arrays      []ArrayEntry

	// ConfFile is the path this configuration was loaded from, or "" if
	// none was found and defaults apply.
	ConfFile string
}

// keywords recognized at the start of an unindented line, matching
// match_keyword's case-insensitive, ≥3-character prefix rule.
var keywords = []string{"device", "array"}

func matchKeyword(word string) int {
	lw := strings.ToLower(word)
	if len(lw) < 3 {
		return -1
	}
	for i, kw := range keywords {
		if strings.HasPrefix(kw, lw) {
			return i
		}
	}
	return -1
}

// Load reads and parses the configuration file at path, applying the
// MDCTL_CONF_FILE environment variable and godotenv .env overlay first.
// A missing file, at the default path or any other, is not an error; it
// yields an empty Config.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("MDCTL_CONF_FILE")
	}
	if path == "" {
		path = defaultConfFile
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, err
	}
	cfg.ConfFile = path
	return cfg, nil
}

// Parse reads config syntax from r: unindented lines begin with a keyword
// (DEVICE or ARRAY, case-insensitive, abbreviable to 3 letters), and an
// indented line continues the preceding keyword line. Unknown
// words on a recognised line, an unrecognised top-level keyword, or an
// ARRAY line missing its device or its identity all produce a warning and
// are skipped rather than failing the whole file, mirroring the
// original's tolerant parser.
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{}
	type logicalLine struct {
		no    int
		words []string
	}
	var lines []logicalLine
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			// Indented continuation: append to the preceding keyword line,
			// or ignore it if there is none yet.
			if n := len(lines); n > 0 {
				lines[n-1].words = append(lines[n-1].words, splitWords(trimmed)...)
			}
			continue
		}
		lines = append(lines, logicalLine{no: lineNo, words: splitWords(trimmed)})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	for _, l := range lines {
		lineNo, words := l.no, l.words
		if len(words) == 0 {
			continue
		}
		switch matchKeyword(words[0]) {
		case 0: // device
			cfg.DeviceGlobs = append(cfg.DeviceGlobs, deviceWords(words[1:])...)
		case 1: // array
			entry, err := parseArrayLine(words[1:])
			if err != nil {
				log.Warn().Int("line", lineNo).Err(err).Msg("skipping ARRAY line")
				continue
			}
			cfg.Arrays = append(cfg.Arrays, entry)
		default:
			log.Warn().Int("line", lineNo).Str("word", words[0]).Msg("unrecognised keyword")
		}
	}
	return cfg, nil
}

// splitWords tokenizes a line on whitespace, honoring '...' and "..."
// quoting, matching conf_word's quote handling.
func splitWords(line string) []string {
	var words []string
	var cur strings.Builder
	var quote rune
	have := false
	flush := func() {
		if have {
			words = append(words, cur.String())
			cur.Reset()
			have = false
		}
	}
	for _, c := range line {
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				cur.WriteRune(c)
			}
		case c == '\'' || c == '"':
			quote = c
			have = true
		case c == ' ' || c == '\t':
			flush()
		default:
			cur.WriteRune(c)
			have = true
		}
	}
	flush()
	return words
}

func deviceWords(words []string) []string {
	var globs []string
	for _, w := range words {
		if strings.HasPrefix(w, "/") {
			globs = append(globs, w)
		} else {
			log.Warn().Str("word", w).Msg("unrecognised word on DEVICE line")
		}
	}
	return globs
}

func parseArrayLine(words []string) (ArrayEntry, error) {
	var entry ArrayEntry
	entry.Identity.PreferredMinor = -1

	for _, w := range words {
		switch {
		case strings.HasPrefix(w, "/"):
			if entry.Device != "" {
				return entry, fmt.Errorf("only one device allowed per ARRAY line (have %s, got %s)", entry.Device, w)
			}
			entry.Device = w
		case hasFold(w, "uuid="):
			id, err := mdtypes.ParseUUID(stripFold(w, "uuid="))
			if err != nil {
				log.Warn().Str("word", w).Err(err).Msg("bad uuid on ARRAY line")
				continue
			}
			entry.Identity.UUID = id
			entry.Identity.UUIDSet = true
		case hasFold(w, "super-minor="):
			n, err := strconv.Atoi(stripFold(w, "super-minor="))
			if err != nil {
				log.Warn().Str("word", w).Err(err).Msg("bad super-minor on ARRAY line")
				continue
			}
			entry.Identity.PreferredMinor = n
		case hasFold(w, "level="):
			lvl, err := parseLevel(stripFold(w, "level="))
			if err != nil {
				log.Warn().Str("word", w).Err(err).Msg("bad level on ARRAY line")
				continue
			}
			entry.Identity.Level = lvl
			entry.Identity.LevelSet = true
		case hasFold(w, "num-devices="):
			n, err := strconv.Atoi(stripFold(w, "num-devices="))
			if err != nil {
				log.Warn().Str("word", w).Err(err).Msg("bad num-devices on ARRAY line")
				continue
			}
			entry.Identity.RaidDisks = n
			entry.Identity.RaidDisksSet = true
		case hasFold(w, "devices="):
			patterns := strings.Split(stripFold(w, "devices="), ",")
			entry.Identity.DeviceNamePatterns = append(entry.Identity.DeviceNamePatterns, patterns...)
		case hasFold(w, "spare-group="):
			entry.SpareGroup = stripFold(w, "spare-group=")
		default:
			log.Warn().Str("word", w).Msg("unrecognised word on ARRAY line")
		}
	}
	if entry.Device == "" {
		return entry, fmt.Errorf("ARRAY line with no device")
	}
	if !entry.Identity.HasDiscriminator() {
		return entry, fmt.Errorf("ARRAY line %s has no identifying information", entry.Device)
	}
	return entry, nil
}

func hasFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func stripFold(s, prefix string) string {
	return s[len(prefix):]
}

func parseLevel(s string) (mdtypes.Level, error) {
	switch strings.ToLower(s) {
	case "linear":
		return mdtypes.LevelLinear, nil
	case "0", "raid0":
		return mdtypes.LevelRaid0, nil
	case "1", "raid1":
		return mdtypes.LevelRaid1, nil
	case "4", "raid4":
		return mdtypes.LevelRaid4, nil
	case "5", "raid5":
		return mdtypes.LevelRaid5, nil
	default:
		return 0, fmt.Errorf("unknown level %q", s)
	}
}

// MatchesDeviceGlobs reports whether path matches any configured DEVICE
// pattern, or is permitted by default when no DEVICE lines were given.
func (c *Config) MatchesDeviceGlobs(path string) bool {
	if len(c.DeviceGlobs) == 0 {
		return true
	}
	base := filepath.Base(path)
	for _, g := range c.DeviceGlobs {
		if wildcard.Match(g, path) || wildcard.Match(filepath.Base(g), base) {
			return true
		}
	}
	return false
}

// LookupByUUID returns the configured ArrayEntry for a UUID, if any.
func (c *Config) LookupByUUID(id uuid.UUID) (ArrayEntry, bool) {
	for _, a := range c.Arrays {
		if a.Identity.UUIDSet && a.Identity.UUID == id {
			return a, true
		}
	}
	return ArrayEntry{}, false
}
