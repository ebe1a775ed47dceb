/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package stats collects daemon counters and serves them over HTTP, both as
// JSON and in Prometheus exposition format.
package stats

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Server is a stats sink interface
type Server interface {
	SetCounter(key string, val int64)
	UpdateCounterBy(key string, count int64)
}

// Stats is a thread-safe counter map
type Stats struct {
	mux      sync.Mutex
	counters map[string]int64
}

// NewStats created new instance of Stats
func NewStats() *Stats {
	return &Stats{
		counters: map[string]int64{},
	}
}

// UpdateCounterBy will increment counter
func (s *Stats) UpdateCounterBy(key string, count int64) {
	s.mux.Lock()
	s.counters[key] += count
	s.mux.Unlock()
}

// SetCounter will set a counter to the provided value.
func (s *Stats) SetCounter(key string, val int64) {
	s.mux.Lock()
	s.counters[key] = val
	s.mux.Unlock()
}

// Get returns a copy of the counters
func (s *Stats) Get() map[string]int64 {
	ret := make(map[string]int64)
	s.mux.Lock()
	for key, val := range s.counters {
		ret[key] = val
	}
	s.mux.Unlock()
	return ret
}

// Reset all the values of counters
func (s *Stats) Reset() {
	s.mux.Lock()
	for k := range s.counters {
		s.counters[k] = 0
	}
	s.mux.Unlock()
}

// Describe implements prometheus.Collector
func (s *Stats) Describe(ch chan<- *prometheus.Desc) {
	// descriptors are dynamic, send nothing and stay an unchecked collector
}

// Collect implements prometheus.Collector
func (s *Stats) Collect(ch chan<- prometheus.Metric) {
	for key, val := range s.Get() {
		desc := prometheus.NewDesc(flattenKey("ptpd_"+key), key, nil, nil)
		m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, float64(val))
		if err != nil {
			log.Errorf("collecting metric %s: %v", key, err)
			continue
		}
		ch <- m
	}
}

func flattenKey(key string) string {
	out := []rune{}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func (s *Stats) handleJSON(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Get()); err != nil {
		log.Errorf("writing json stats: %v", err)
	}
}

// Start runs the monitoring http server on the given port, blocking
func (s *Stats) Start(monitoringPort int) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(s); err != nil {
		log.Fatalf("registering stats collector: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleJSON)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", monitoringPort)
	log.Infof("starting monitoring server on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("failed to start listener: %v", err)
	}
}
