// Package catalog loads the feature catalog: rules, VIP senders, seeded
// category hints and the user's working hours.
package catalog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"triage_server/core/domain"
	"triage_server/pkg/apperr"
)

// Catalog is the parsed feature catalog.
type Catalog struct {
	Location     *time.Location
	WorkingHours *domain.WorkingHours
	Rules        []domain.ProcessingRule
	VIPs         []domain.VIPSender
	Hints        []domain.CategoryHint
}

type document struct {
	Timezone     string                  `yaml:"timezone"`
	WorkingHours map[string]string       `yaml:"working_hours"`
	Rules        []domain.ProcessingRule `yaml:"rules"`
	VIPs         []domain.VIPSender      `yaml:"vips"`
	Hints        []domain.CategoryHint   `yaml:"category_hints"`
}

// Default is the catalog used when no file is configured.
func Default() *Catalog {
	return &Catalog{
		Location:     time.UTC,
		WorkingHours: domain.DefaultWorkingHours(),
	}
}

// Load reads and parses a catalog file. An empty path yields Default().
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Configuration(fmt.Sprintf("read catalog %s", path)).WithError(err)
	}
	return Parse(data)
}

// Parse decodes catalog YAML. Unknown fields are rejected.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, apperr.Configuration("parse catalog").WithError(err)
	}

	c := Default()
	if doc.Timezone != "" {
		loc, err := time.LoadLocation(doc.Timezone)
		if err != nil {
			return nil, apperr.Configuration(fmt.Sprintf("catalog timezone %q", doc.Timezone)).WithError(err)
		}
		c.Location = loc
	}
	if len(doc.WorkingHours) > 0 {
		wh, err := parseWorkingHours(doc.WorkingHours)
		if err != nil {
			return nil, err
		}
		c.WorkingHours = wh
	}

	for i, v := range doc.VIPs {
		v.Key = domain.VIPKey(v.Key)
		if v.Key == "" || v.Key == "@" {
			return nil, apperr.Configuration(fmt.Sprintf("vip %d: sender is required", i))
		}
		if !v.Tier.IsValid() {
			return nil, apperr.Configuration(fmt.Sprintf("vip %s: tier must be 1-3", v.Key))
		}
		doc.VIPs[i] = v
	}
	for i, h := range doc.Hints {
		h.Category = strings.ToLower(strings.TrimSpace(h.Category))
		if h.Category == "" {
			return nil, apperr.Configuration(fmt.Sprintf("category hint %d: category is required", i))
		}
		if h.Weight <= 0 || h.Weight > 1 {
			h.Weight = 0.5
		}
		doc.Hints[i] = h
	}

	c.Rules = doc.Rules
	c.VIPs = doc.VIPs
	c.Hints = doc.Hints
	return c, nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

// parseWorkingHours reads entries like `monday: "09:00-17:00"`.
func parseWorkingHours(raw map[string]string) (*domain.WorkingHours, error) {
	wh := &domain.WorkingHours{Days: make(map[time.Weekday]domain.DayHours, len(raw))}
	for name, span := range raw {
		day, ok := weekdays[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, apperr.Configuration(fmt.Sprintf("working_hours: unknown day %q", name))
		}
		from, to, ok := strings.Cut(span, "-")
		if !ok {
			return nil, apperr.Configuration(fmt.Sprintf("working_hours %s: want HH:MM-HH:MM, got %q", name, span))
		}
		start, err := parseClock(from)
		if err != nil {
			return nil, apperr.Configuration(fmt.Sprintf("working_hours %s", name)).WithError(err)
		}
		end, err := parseClock(to)
		if err != nil {
			return nil, apperr.Configuration(fmt.Sprintf("working_hours %s", name)).WithError(err)
		}
		if end <= start {
			return nil, apperr.Configuration(fmt.Sprintf("working_hours %s: end must be after start", name))
		}
		wh.Days[day] = domain.DayHours{StartMinute: start, EndMinute: end}
	}
	return wh, nil
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("bad time %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return h*60 + m, nil
}
