// Copyright (c) 2026 Cilo Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

// Package relaymap builds the merged relay map served to devices and pods
// (§3 "Relay map", §4.5 "Relay-map serving", §6 "Relay-overlay document").
package relaymap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/internal/wgerr"
)

// Node is one relay host within a region.
type Node struct {
	Name      string `json:"name" yaml:"name"`
	Hostname  string `json:"hostname" yaml:"hostname"`
	IPv4      string `json:"ipv4,omitempty" yaml:"ipv4,omitempty"`
	IPv6      string `json:"ipv6,omitempty" yaml:"ipv6,omitempty"`
	Port      int    `json:"port" yaml:"port"`
	Port80Fallback bool `json:"port80_fallback,omitempty" yaml:"port80_fallback,omitempty"`
}

// Region describes one relay region. A region id mapping to a nil *Region
// in a Map means "disabled" per §3.
type Region struct {
	Code   string `json:"code" yaml:"code"`
	Name   string `json:"name" yaml:"name"`
	Lat    float64 `json:"lat,omitempty" yaml:"lat,omitempty"`
	Lng    float64 `json:"lng,omitempty" yaml:"lng,omitempty"`
	Nodes  []Node  `json:"nodes" yaml:"nodes"`
}

// Map is region id -> region descriptor (or nil, meaning disabled).
type Map struct {
	Regions map[int]*Region `json:"regions"`
}

// overlayDoc mirrors the §6 "Relay-overlay document" YAML shape.
type overlayDoc struct {
	DisableRegions     []int            `yaml:"disable_regions"`
	CustomRegions      map[int]*Region  `yaml:"custom_regions"`
	OmitDefaultRegions bool             `yaml:"omit_default_regions"`
}

// Merge applies an overlay document to a base map per §4.5's deterministic
// order: first disable, then overwrite/extend with custom regions, then
// (if requested) drop every region not listed under custom_regions,
// disabled ones included.
func Merge(base Map, overlayYAML []byte) (Map, error) {
	merged := Map{Regions: make(map[int]*Region, len(base.Regions))}
	for id, r := range base.Regions {
		merged.Regions[id] = r
	}

	if len(overlayYAML) == 0 {
		return merged, nil
	}

	var overlay overlayDoc
	if err := yaml.Unmarshal(overlayYAML, &overlay); err != nil {
		return Map{}, wgerr.New(wgerr.Malformed, fmt.Errorf("parse relay overlay: %w", err))
	}

	for _, id := range overlay.DisableRegions {
		merged.Regions[id] = nil
	}
	for id, r := range overlay.CustomRegions {
		merged.Regions[id] = r
	}
	if overlay.OmitDefaultRegions {
		for id := range merged.Regions {
			if _, named := overlay.CustomRegions[id]; !named {
				delete(merged.Regions, id)
			}
		}
	}

	return merged, nil
}

// Source periodically refreshes a merged Map from a base URL plus an
// optional overlay file, and serves the last-known-good copy in between
// refreshes (§4.5 "periodically fetches a base relay map").
type Source struct {
	baseURL     string
	overlayPath string
	interval    time.Duration
	httpClient  *http.Client

	mu  sync.RWMutex
	cur Map
}

// NewSource builds a Source. baseURL may be empty, in which case the base
// map is empty and only overlay custom_regions populate the result.
func NewSource(baseURL, overlayPath string, interval time.Duration) *Source {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Source{
		baseURL:     baseURL,
		overlayPath: overlayPath,
		interval:    interval,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		cur:         Map{Regions: map[int]*Region{}},
	}
}

// Current returns the last successfully merged map.
func (s *Source) Current() Map {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Refresh fetches the base map and re-merges it with the configured
// overlay file, replacing Current() atomically on success.
func (s *Source) Refresh(ctx context.Context) error {
	base, err := s.fetchBase(ctx)
	if err != nil {
		return err
	}

	var overlayYAML []byte
	if s.overlayPath != "" {
		overlayYAML, err = os.ReadFile(s.overlayPath)
		if err != nil {
			return wgerr.New(wgerr.Malformed, fmt.Errorf("read relay overlay file: %w", err))
		}
	}

	merged, err := Merge(base, overlayYAML)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cur = merged
	s.mu.Unlock()
	return nil
}

func (s *Source) fetchBase(ctx context.Context) (Map, error) {
	if s.baseURL == "" {
		return Map{Regions: map[int]*Region{}}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL, nil)
	if err != nil {
		return Map{}, wgerr.New(wgerr.Transport, fmt.Errorf("build base relay map request: %w", err))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Map{}, wgerr.WithContext(wgerr.Transport, "relay-map-fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Map{}, wgerr.WithContext(wgerr.Transport, "relay-map-fetch", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Map{}, wgerr.New(wgerr.Transport, fmt.Errorf("read base relay map: %w", err))
	}

	var base Map
	if err := yaml.Unmarshal(body, &base); err != nil {
		return Map{}, wgerr.New(wgerr.Malformed, fmt.Errorf("parse base relay map: %w", err))
	}
	if base.Regions == nil {
		base.Regions = map[int]*Region{}
	}
	return base, nil
}

// Run refreshes the map immediately, then on every tick of the configured
// interval, until ctx is cancelled. The first refresh's error (if any) is
// returned synchronously so callers can fail fast at startup.
func (s *Source) Run(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Refresh(ctx) // best-effort: keep serving the last-known-good map on failure
		}
	}
}
