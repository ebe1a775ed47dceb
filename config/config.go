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

// Package config reads and validates the daemon configuration.
package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"

	"github.com/opensync/ptpd/protocol"
	"github.com/opensync/ptpd/servo"
	"github.com/opensync/ptpd/timestamp"
	"github.com/opensync/ptpd/transport"
)

// ACL is one allow/deny list in config form
type ACL struct {
	Order string   `yaml:"order"` // allow-deny | deny-allow
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// Parse builds the transport ACL, nil when the section is empty
func (a *ACL) Parse() (*transport.ACL, error) {
	if a == nil || (len(a.Allow) == 0 && len(a.Deny) == 0) {
		return nil, nil
	}
	order := transport.OrderAllowDeny
	if a.Order != "" {
		var err error
		order, err = transport.ParseACLOrder(a.Order)
		if err != nil {
			return nil, err
		}
	}
	return transport.NewACL(order, a.Allow, a.Deny)
}

// Config specifies ptpd run options
type Config struct {
	Iface     string `yaml:"iface"`
	Transport string `yaml:"transport"` // ipv4 | ipv6
	Scope     string `yaml:"scope"`     // link-local | global, ipv6 only

	DelayMechanism string `yaml:"delay_mechanism"` // e2e | p2p | disabled

	AnnounceIntervalLog2     int8  `yaml:"announce_interval_log2"`
	SyncIntervalLog2         int8  `yaml:"sync_interval_log2"`
	MinDelayReqIntervalLog2  int8  `yaml:"min_delay_req_interval_log2"`
	MinPdelayReqIntervalLog2 int8  `yaml:"min_pdelay_req_interval_log2"`
	AnnounceReceiptTimeout   uint8 `yaml:"announce_receipt_timeout"`

	DomainNumber uint8 `yaml:"domain_number"`
	Priority1    uint8 `yaml:"priority1"`
	Priority2    uint8 `yaml:"priority2"`
	SlaveOnly    bool  `yaml:"slave_only"`
	TwoStep      bool  `yaml:"two_step"`

	ClockCtrlPolicy string  `yaml:"clock_ctrl_policy"` // see servo step policies
	StepThresholdNs float64 `yaml:"step_threshold_ns"`
	ServoKp         float64 `yaml:"servo_kp"`
	ServoKi         float64 `yaml:"servo_ki"`
	ServoKd         float64 `yaml:"servo_kd"`

	FIRFilterSize         int     `yaml:"fir_filter_size"`
	OutlierFilterSize     int     `yaml:"outlier_filter_size"`
	PathDelayFilterSize   int     `yaml:"path_delay_filter_size"`
	PathDelayFilterAgeing float64 `yaml:"path_delay_filter_ageing"`

	ACLTiming     *ACL `yaml:"acl_timing"`
	ACLManagement *ACL `yaml:"acl_management"`
	ACLMonitoring *ACL `yaml:"acl_monitoring"`

	TTL          int    `yaml:"ttl"`
	DSCP         int    `yaml:"dscp"`
	Timestamping string `yaml:"timestamping"` // hardware | software | legacy_ns | legacy

	// UniqueClockIDBits switches clock identity construction from the
	// legacy ff:fe fill to the 2019-style suffix with these bits
	UniqueClockIDBits *uint16 `yaml:"unique_clockid_bits"`

	PersistentCorrection string `yaml:"persistent_correction"` // path to saved frequency file

	ForeignRecords int   `yaml:"foreign_records"`
	UTCOffset      int16 `yaml:"utc_offset"`

	LogLevel       string `yaml:"log_level"`
	MonitoringPort int    `yaml:"monitoring_port"`
}

// Default returns a config with sane defaults, to be overlaid by the file
func Default() *Config {
	return &Config{
		Transport:               "ipv4",
		DelayMechanism:          "e2e",
		SyncIntervalLog2:        0,
		AnnounceIntervalLog2:    1,
		MinDelayReqIntervalLog2: 0,
		AnnounceReceiptTimeout:  3,
		Priority1:               128,
		Priority2:               128,
		TwoStep:                 true,
		ClockCtrlPolicy:         "step-at-startup",
		StepThresholdNs:         float64(time.Second),
		ServoKp:                 servo.DefaultKp,
		ServoKi:                 servo.DefaultKi,
		FIRFilterSize:           4,
		OutlierFilterSize:       30,
		PathDelayFilterSize:     8,
		PathDelayFilterAgeing:   1.0,
		TTL:                     1,
		Timestamping:            "hardware",
		UTCOffset:               37,
		LogLevel:                "warning",
		MonitoringPort:          8889,
	}
}

// Read reads config from the file, overlaying the defaults
func Read(path string) (*Config, error) {
	c := Default()
	cData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(cData, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks option combinations that cannot work
func (c *Config) Validate() error {
	if c.Iface == "" {
		return fmt.Errorf("iface is required")
	}
	if _, err := c.TransportType(); err != nil {
		return err
	}
	if _, err := c.DelayMechanismType(); err != nil {
		return err
	}
	if _, err := servo.ParseStepPolicy(c.ClockCtrlPolicy); err != nil {
		return err
	}
	if _, err := c.TimestampingMode(); err != nil {
		return err
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return fmt.Errorf("dscp %d out of range", c.DSCP)
	}
	if c.Scope != "" && c.Scope != "link-local" && c.Scope != "global" {
		return fmt.Errorf("unknown scope %q", c.Scope)
	}
	for _, acl := range []*ACL{c.ACLTiming, c.ACLManagement, c.ACLMonitoring} {
		if _, err := acl.Parse(); err != nil {
			return err
		}
	}
	return nil
}

// TransportType maps the config string to the protocol enum
func (c *Config) TransportType() (protocol.TransportType, error) {
	switch c.Transport {
	case "ipv4", "":
		return protocol.TransportTypeUDPIPV4, nil
	case "ipv6":
		return protocol.TransportTypeUDPIPV6, nil
	}
	return 0, fmt.Errorf("unknown transport %q", c.Transport)
}

// DelayMechanismType maps the config string to the protocol enum
func (c *Config) DelayMechanismType() (protocol.DelayMechanism, error) {
	switch c.DelayMechanism {
	case "e2e", "":
		return protocol.DelayMechanismE2E, nil
	case "p2p":
		return protocol.DelayMechanismP2P, nil
	case "disabled":
		return protocol.DelayMechanismDisabled, nil
	}
	return 0, fmt.Errorf("unknown delay mechanism %q", c.DelayMechanism)
}

// TimestampingMode maps the config string to the timestamp enum
func (c *Config) TimestampingMode() (timestamp.Mode, error) {
	var m timestamp.Mode
	if err := m.Set(c.Timestamping); err != nil {
		return m, err
	}
	return m, nil
}

// StepPolicy maps the config string to the servo enum
func (c *Config) StepPolicy() servo.StepPolicy {
	p, _ := servo.ParseStepPolicy(c.ClockCtrlPolicy)
	return p
}

// TransportConfig builds the transport configuration
func (c *Config) TransportConfig() (*transport.Config, error) {
	tt, err := c.TransportType()
	if err != nil {
		return nil, err
	}
	mode, err := c.TimestampingMode()
	if err != nil {
		return nil, err
	}
	scope := transport.ScopeLinkLocal
	if c.Scope == "global" {
		scope = transport.ScopeGlobal
	}
	return &transport.Config{
		Iface:        c.Iface,
		Transport:    tt,
		Scope:        scope,
		TTL:          c.TTL,
		DSCP:         c.DSCP,
		Timestamping: mode,
	}, nil
}

// ServoConfig builds the servo configuration
func (c *Config) ServoConfig(maxFreqPPB, savedCorrectionPPB float64) *servo.Config {
	return &servo.Config{
		PID:                 &servo.PIDCfg{Kp: c.ServoKp, Ki: c.ServoKi, Kd: c.ServoKd},
		Policy:              c.StepPolicy(),
		StepThresholdNs:     c.StepThresholdNs,
		MaxFreqPPB:          maxFreqPPB,
		SavedCorrectionPPB:  savedCorrectionPPB,
		FIRSize:             c.FIRFilterSize,
		OutlierSize:         c.OutlierFilterSize,
		PathDelayFilterSize: c.PathDelayFilterSize,
		PathDelayAgeing:     c.PathDelayFilterAgeing,
	}
}
