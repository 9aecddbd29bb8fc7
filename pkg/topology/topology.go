// Package topology holds the static road network: sections, their classes
// and member lanes. A Store is built once by the process and passed to every
// component that needs it; Replace swaps the whole network atomically.
package topology

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/nicktill/tinyflow/pkg/flow"
)

// File is the on-disk topology layout.
type File struct {
	Sections []flow.Section `yaml:"sections"`
	Lanes    []flow.Lane    `yaml:"lanes"`
}

type network struct {
	sections []flow.Section // sorted by class, then id
	byID     map[string]flow.Section
	lanes    map[string]flow.Lane
	bySect   map[string][]flow.Lane
}

// Store is a read-mostly view of the network. Safe for concurrent use.
type Store struct {
	mu  sync.RWMutex
	net network
}

// New builds a Store from sections and lanes. Lanes that reference an
// unknown section and duplicate ids are skipped with a warning.
func New(sections []flow.Section, lanes []flow.Lane) *Store {
	s := &Store{}
	s.net = build(sections, lanes)
	return s
}

// LoadFile reads a YAML topology file.
func LoadFile(path string) (*Store, error) {
	f, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return New(f.Sections, f.Lanes), nil
}

// ReloadFile re-reads path and replaces the network. On error the current
// network is kept.
func (s *Store) ReloadFile(path string) error {
	f, err := readFile(path)
	if err != nil {
		return err
	}
	s.Replace(f.Sections, f.Lanes)
	return nil
}

func readFile(path string) (File, error) {
	var f File
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("failed to read topology file: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("failed to unmarshal topology YAML: %w", err)
	}
	if len(f.Sections) == 0 {
		return f, fmt.Errorf("topology file %s defines no sections", path)
	}
	return f, nil
}

// Replace swaps in a new network.
func (s *Store) Replace(sections []flow.Section, lanes []flow.Lane) {
	net := build(sections, lanes)
	s.mu.Lock()
	s.net = net
	s.mu.Unlock()
}

func build(sections []flow.Section, lanes []flow.Lane) network {
	net := network{
		byID:   make(map[string]flow.Section, len(sections)),
		lanes:  make(map[string]flow.Lane, len(lanes)),
		bySect: make(map[string][]flow.Lane, len(sections)),
	}

	for _, sec := range sections {
		if sec.ID == "" {
			logrus.Warn("Skipping topology section without id")
			continue
		}
		if _, dup := net.byID[sec.ID]; dup {
			logrus.WithField("section", sec.ID).Warn("Skipping duplicate topology section")
			continue
		}
		if sec.FreeSpeed <= 0 {
			logrus.WithField("section", sec.ID).Warn("Section has no free-flow speed; it will always classify as severe")
		}
		net.byID[sec.ID] = sec
		net.sections = append(net.sections, sec)
	}
	sort.Slice(net.sections, func(i, j int) bool {
		a, b := net.sections[i], net.sections[j]
		if a.Class != b.Class {
			return a.Class < b.Class
		}
		return a.ID < b.ID
	})

	for _, lane := range lanes {
		if _, ok := net.byID[lane.SectionID]; !ok {
			logrus.WithFields(logrus.Fields{
				"lane":    lane.ID,
				"section": lane.SectionID,
			}).Warn("Skipping lane that references an unknown section")
			continue
		}
		if _, dup := net.lanes[lane.ID]; dup {
			logrus.WithField("lane", lane.ID).Warn("Skipping duplicate topology lane")
			continue
		}
		net.lanes[lane.ID] = lane
		net.bySect[lane.SectionID] = append(net.bySect[lane.SectionID], lane)
	}

	for _, sec := range net.sections {
		if len(net.bySect[sec.ID]) == 0 {
			logrus.WithField("section", sec.ID).Warn("Section has no lanes")
		}
	}
	return net
}

// Sections returns every section ordered by class, then id.
func (s *Store) Sections() []flow.Section {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]flow.Section, len(s.net.sections))
	copy(out, s.net.sections)
	return out
}

// SectionsByClass groups sections by road class.
func (s *Store) SectionsByClass() map[string][]flow.Section {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]flow.Section)
	for _, sec := range s.net.sections {
		out[sec.Class] = append(out[sec.Class], sec)
	}
	return out
}

// Section looks a section up by id.
func (s *Store) Section(id string) (flow.Section, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sec, ok := s.net.byID[id]
	return sec, ok
}

// Lane looks a lane up by id.
func (s *Store) Lane(id string) (flow.Lane, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lane, ok := s.net.lanes[id]
	return lane, ok
}

// LanesOfSection returns the member lanes of a section.
func (s *Store) LanesOfSection(id string) []flow.Lane {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lanes := s.net.bySect[id]
	out := make([]flow.Lane, len(lanes))
	copy(out, lanes)
	return out
}

// Lanes returns every lane id.
func (s *Store) Lanes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.net.lanes))
	for id := range s.net.lanes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
